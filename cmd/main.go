package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"

	httpctx "github.com/dtroode/vaultkeeper-server/internal/api/http/context"
	"github.com/dtroode/vaultkeeper-server/internal/api/http/router"
	httpserver "github.com/dtroode/vaultkeeper-server/internal/api/http/server"
	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/duo"
	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/mail"
	"github.com/dtroode/vaultkeeper-server/internal/metrics"
	"github.com/dtroode/vaultkeeper-server/internal/model"
	"github.com/dtroode/vaultkeeper-server/internal/repository/postgres"
	"github.com/dtroode/vaultkeeper-server/internal/server"
	"github.com/dtroode/vaultkeeper-server/internal/service"
	"github.com/dtroode/vaultkeeper-server/internal/sso"
	storage "github.com/dtroode/vaultkeeper-server/internal/storage/minio"
	"github.com/dtroode/vaultkeeper-server/internal/token"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

const purgeInterval = 5 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)

	db, err := postgres.NewConnection(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}
	defer db.Close()

	userRepo := postgres.NewUserRepository(db)
	deviceRepo := postgres.NewDeviceRepository(db)
	otpRepo := postgres.NewOtpRepository(db)
	twoFactorRepo := postgres.NewTwoFactorRepository(db)
	duoContextRepo := postgres.NewDuoContextRepository(db)
	ssoAuthRepo := postgres.NewSsoAuthRepository(db)
	eventRepo := postgres.NewEventRepository(db)
	attachmentRepo := postgres.NewAttachmentRepository(db)

	mailer := mail.NewSender(cfg.SMTP)
	codec := token.NewCodec(cfg.JWT.Secret, cfg.Domain)

	duoBridge := duo.NewBridge(duoContextRepo, cfg.Domain, logger)
	ssoClients := sso.NewClientCache(cfg.SSO, &http.Client{Timeout: 10 * time.Second})
	ssoBridge := sso.NewBridge(cfg.SSO, ssoClients, ssoAuthRepo, logger)

	minioClient, err := minio.New(cfg.Storage.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		Secure: cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatal("failed to create minio client", "error", err)
	}
	storageClient, err := storage.NewClient(ctx, minioClient, cfg.Storage.Bucket)
	if err != nil {
		logger.Fatal("failed to initialize storage client", "error", err)
	}

	otpService := service.NewOtp(otpRepo, mailer, cfg.OTP, logger)
	twoFactorService := service.NewTwoFactor(twoFactorRepo, otpService, duoBridge, cfg.Duo, logger)
	sessionIssuer := service.NewSessionIssuer(userRepo, deviceRepo, eventRepo, twoFactorService, ssoBridge, mailer, codec, cfg.JWT, cfg.SSO, logger)
	attachmentService := service.NewAttachment(attachmentRepo, storageClient, logger)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal("failed to register metrics", "error", err)
	}

	ctxMgr := httpctx.NewManager()
	r := router.New(sessionIssuer, twoFactorService, otpService, attachmentService, ssoBridge, userRepo, ctxMgr, cfg.Domain, logger)
	srv := httpserver.NewHTTPServer(r.Register(), fmt.Sprintf(":%s", cfg.HTTP.Port))

	var sl model.SecurityLayer
	if cfg.HTTP.EnableHTTPS {
		sl = server.NewTLSListener(cfg.HTTP.CertFileName, cfg.HTTP.PrivateKeyFileName)
	} else {
		sl = server.NewPlainListener()
	}

	go purgeLoop(ctx, duoBridge, ssoBridge)

	var wg sync.WaitGroup
	wg.Add(1)
	go func(s model.Server) {
		defer wg.Done()
		logger.Info("Starting server on", "address", s.Address())
		err := s.Start(sl)
		if err != nil {
			logger.Error("failed to start server", "error", err)
		}
	}(srv)

	logAppVersion()

	<-ctx.Done()
	logger.Info("received interruption signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", "error", err, "address", srv.Address())
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

// purgeLoop sweeps abandoned Duo and SSO login contexts until ctx is done.
func purgeLoop(ctx context.Context, duoBridge *duo.Bridge, ssoBridge *sso.Bridge) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			duoBridge.PurgeExpired(ctx)
			ssoBridge.PurgeExpired(ctx)
		}
	}
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}
