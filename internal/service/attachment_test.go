package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/vaultkeeper-server/internal/mocks"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/testutil"
)

func TestAttachment_Upload(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	store := &mocks.AttachmentStore{}
	storage := &mocks.Storage{}
	storage.On("Upload", mock.Anything, mock.Anything, mock.Anything, int64(5)).Return(nil)
	store.On("Create", mock.Anything, mock.MatchedBy(func(a model.Attachment) bool {
		return a.UserID == userID && a.FileName == "notes.txt" && a.FileSize == 5
	})).Return(model.Attachment{ID: uuid.New(), UserID: userID, FileName: "notes.txt", FileSize: 5}, nil)

	svc := NewAttachment(store, storage, testutil.MakeNoopLogger())
	created, err := svc.Upload(ctx, userID, "notes.txt", 5, strings.NewReader("hello"))

	require.NoError(t, err)
	assert.Equal(t, "notes.txt", created.FileName)
	storage.AssertExpectations(t)
}

func TestAttachment_Upload_CleansUpOnMetadataFailure(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	store := &mocks.AttachmentStore{}
	storage := &mocks.Storage{}
	storage.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	storage.On("Delete", mock.Anything, mock.Anything).Return(nil)
	store.On("Create", mock.Anything, mock.Anything).Return(model.Attachment{}, errors.New("db down"))

	svc := NewAttachment(store, storage, testutil.MakeNoopLogger())
	_, err := svc.Upload(ctx, userID, "notes.txt", 5, strings.NewReader("hello"))

	require.Error(t, err)
	storage.AssertCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestAttachment_Download_OtherUsersAttachmentHidden(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()
	id := uuid.New()

	store := &mocks.AttachmentStore{}
	store.On("GetByID", mock.Anything, id).Return(model.Attachment{ID: id, UserID: owner}, nil)

	svc := NewAttachment(store, &mocks.Storage{}, testutil.MakeNoopLogger())
	_, _, err := svc.Download(ctx, uuid.New(), id)

	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestAttachment_Download(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()
	id := uuid.New()

	store := &mocks.AttachmentStore{}
	storage := &mocks.Storage{}
	store.On("GetByID", mock.Anything, id).Return(model.Attachment{ID: id, UserID: owner, FileName: "notes.txt"}, nil)
	storage.On("Download", mock.Anything, id.String()).Return(io.NopCloser(strings.NewReader("hello")), nil)

	svc := NewAttachment(store, storage, testutil.MakeNoopLogger())
	attachment, rc, err := svc.Download(ctx, owner, id)

	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "notes.txt", attachment.FileName)
}

func TestAttachment_Delete(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()
	id := uuid.New()

	store := &mocks.AttachmentStore{}
	storage := &mocks.Storage{}
	store.On("GetByID", mock.Anything, id).Return(model.Attachment{ID: id, UserID: owner}, nil)
	storage.On("Delete", mock.Anything, id.String()).Return(nil)
	store.On("Delete", mock.Anything, id).Return(nil)

	svc := NewAttachment(store, storage, testutil.MakeNoopLogger())
	require.NoError(t, svc.Delete(ctx, owner, id))

	store.AssertExpectations(t)
	storage.AssertExpectations(t)
}
