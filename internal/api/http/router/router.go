// Package router assembles the HTTP surface: identity endpoints, the
// authenticated API and the operational endpoints.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dtroode/vaultkeeper-server/internal/api/http/handler"
	"github.com/dtroode/vaultkeeper-server/internal/api/http/middleware"
	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/metrics"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/service"
	"github.com/dtroode/vaultkeeper-server/internal/sso"
)

// Router builds the chi handler for all endpoints.
type Router struct {
	sessions       *service.SessionIssuer
	twoFactor      *service.TwoFactor
	otp            *service.Otp
	attachments    *service.Attachment
	ssoBridge      *sso.Bridge
	users          model.UserStore
	contextManager model.ContextManager
	domain         string
	logger         *logger.Logger
}

// New creates a new Router instance.
func New(
	sessions *service.SessionIssuer,
	twoFactor *service.TwoFactor,
	otp *service.Otp,
	attachments *service.Attachment,
	ssoBridge *sso.Bridge,
	users model.UserStore,
	contextManager model.ContextManager,
	domain string,
	logger *logger.Logger,
) *Router {
	return &Router{
		sessions:       sessions,
		twoFactor:      twoFactor,
		otp:            otp,
		attachments:    attachments,
		ssoBridge:      ssoBridge,
		users:          users,
		contextManager: contextManager,
		domain:         domain,
		logger:         logger,
	}
}

// Register wires all handlers and middleware and returns the root handler.
func (r *Router) Register() http.Handler {
	identity := handler.NewIdentity(r.sessions, r.ssoBridge, r.users, r.domain, r.logger)
	twoFactor := handler.NewTwoFactor(r.twoFactor, r.users, r.contextManager, "Vaultkeeper", r.logger)
	accounts := handler.NewAccounts(r.otp, r.sessions, r.users, r.contextManager, r.logger)
	attachments := handler.NewAttachment(r.attachments, r.contextManager, r.logger)

	logging := middleware.NewLogging(r.logger)
	authenticate := middleware.NewAuthenticate(r.sessions, r.contextManager, r.logger)

	mux := chi.NewRouter()
	mux.Use(chimiddleware.Recoverer)
	mux.Use(logging.Handle)

	mux.Route("/identity", func(mux chi.Router) {
		mux.Post("/connect/token", identity.Token)
		mux.Post("/accounts/prelogin", identity.Prelogin)
		mux.Get("/connect/authorize", identity.SsoAuthorize)
		mux.Get("/sso/callback", identity.SsoCallback)
		mux.Post("/two-factor/send-email-login", twoFactor.SendEmailLogin)
	})

	mux.Route("/api", func(mux chi.Router) {
		mux.Use(authenticate.Handle)

		mux.Route("/two-factor", func(mux chi.Router) {
			mux.Get("/", twoFactor.List)
			mux.Post("/get-authenticator", twoFactor.GetAuthenticator)
			mux.Put("/authenticator", twoFactor.PutAuthenticator)
			mux.Post("/send-email", twoFactor.SendEmail)
			mux.Put("/email", twoFactor.PutEmail)
			mux.Put("/duo", twoFactor.PutDuo)
			mux.Put("/disable", twoFactor.Disable)
		})

		mux.Route("/accounts", func(mux chi.Router) {
			mux.Post("/request-otp", accounts.RequestOtp)
			mux.Post("/verify-otp", accounts.VerifyOtp)
			mux.Post("/security-stamp", accounts.SecurityStamp)
		})

		mux.Route("/attachments", func(mux chi.Router) {
			mux.Post("/", attachments.Upload)
			mux.Get("/", attachments.List)
			mux.Get("/{id}", attachments.Download)
			mux.Delete("/{id}", attachments.Delete)
		})
	})

	mux.Get("/alive", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`"` + time.Now().UTC().Format(time.RFC3339) + `"`))
	})
	mux.Handle("/metrics", metrics.Handler())

	return mux
}
