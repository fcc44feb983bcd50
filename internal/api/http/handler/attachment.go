package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/service"
)

// maxAttachmentSize bounds a single upload.
const maxAttachmentSize = 100 << 20

// Attachment serves the vault attachment endpoints.
type Attachment struct {
	attachments    *service.Attachment
	contextManager model.ContextManager
	logger         *logger.Logger
}

// NewAttachment creates a new Attachment handler instance.
func NewAttachment(attachments *service.Attachment, contextManager model.ContextManager, logger *logger.Logger) *Attachment {
	return &Attachment{attachments: attachments, contextManager: contextManager, logger: logger}
}

// Upload handles POST /api/attachments as a multipart form with a "data"
// file part.
func (h *Attachment) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.contextManager.GetUserIDFromContext(r.Context())
	if !ok {
		handleError(w, model.ErrTokenInvalid)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentSize)
	file, header, err := r.FormFile("data")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "Missing file part."))
		return
	}
	defer file.Close()

	created, err := h.attachments.Upload(r.Context(), userID, header.Filename, header.Size, file)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, attachmentResponse(created))
}

// List handles GET /api/attachments.
func (h *Attachment) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.contextManager.GetUserIDFromContext(r.Context())
	if !ok {
		handleError(w, model.ErrTokenInvalid)
		return
	}

	attachments, err := h.attachments.List(r.Context(), userID)
	if err != nil {
		handleError(w, err)
		return
	}

	data := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		data = append(data, attachmentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"Data": data, "Object": "list"})
}

// Download handles GET /api/attachments/{id}.
func (h *Attachment) Download(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.contextManager.GetUserIDFromContext(r.Context())
	if !ok {
		handleError(w, model.ErrTokenInvalid)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, model.ErrNotFound)
		return
	}

	attachment, rc, err := h.attachments.Download(r.Context(), userID, id)
	if err != nil {
		handleError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+attachment.FileName+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Error("failed to stream attachment", "attachment_id", id, "error", err.Error())
	}
}

// Delete handles DELETE /api/attachments/{id}.
func (h *Attachment) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.contextManager.GetUserIDFromContext(r.Context())
	if !ok {
		handleError(w, model.ErrTokenInvalid)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, model.ErrNotFound)
		return
	}

	if err := h.attachments.Delete(r.Context(), userID, id); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func attachmentResponse(a model.Attachment) map[string]any {
	return map[string]any{
		"Id":       a.ID.String(),
		"FileName": a.FileName,
		"Size":     a.FileSize,
		"Object":   "attachment",
	}
}
