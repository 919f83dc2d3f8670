package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/go-chem-api/internal/application/auth"
	"github.com/go-chem-api/internal/application/otp"
	"github.com/go-chem-api/internal/application/prediction"
	"github.com/go-chem-api/internal/application/registration"
	"github.com/go-chem-api/internal/application/session"
	"github.com/go-chem-api/internal/application/user"
	"github.com/go-chem-api/internal/backend"
	"github.com/go-chem-api/internal/config"
	"github.com/go-chem-api/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-chem-api/internal/infrastructure/jwt"
	"github.com/go-chem-api/internal/infrastructure/smtp"
	"github.com/go-chem-api/internal/infrastructure/sns"
	"github.com/go-chem-api/internal/pkg/logging"
	transporthttp "github.com/go-chem-api/internal/transport/http"
	"github.com/go-chem-api/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.AppEnv, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("backends: %v", err)
	}
	defer b.Close()

	jwtProvider, err := jwtinfra.NewProvider(cfg)
	if err != nil {
		log.Fatalf("jwt provider: %v", err)
	}

	userRepo := dynamo.NewUserRepo(b.Dynamo, cfg.DynamoTables.Users, cfg.DynamoTables.UserKeys)
	sessionRepo := dynamo.NewSessionRepo(b.Dynamo, cfg.DynamoTables.Sessions)
	deviceRepo := dynamo.NewDeviceRepo(b.Dynamo, cfg.DynamoTables.Devices)

	// SMS always confirms phone numbers; OTP_CHANNEL picks how signup and
	// recovery codes travel.
	smsSender := sns.NewCodeSender(sns.NewClient(b.AWS, cfg.SNSRegion))
	viaPhone := cfg.OTPChannel == config.ChannelSMS
	var channel otp.Channel = smsSender
	if !viaPhone {
		channel = smtp.NewMailer(cfg)
	}
	newVerifier := func(purpose string, ch otp.Channel) *otp.Verifier {
		return otp.NewVerifier(b.Staging, ch, otp.Options{
			Purpose:         purpose,
			TTL:             cfg.OTPTTL,
			DeliveryTimeout: cfg.UpstreamTimeout,
		})
	}

	sessionSvc := session.NewService(session.ServiceDeps{
		UserRepo:        userRepo,
		SessionRepo:     sessionRepo,
		DeviceRepo:      deviceRepo,
		JWTProvider:     jwtProvider,
		RefreshTokenDur: cfg.RefreshTokenDur,
	})

	var (
		queue prediction.Enqueuer
		pool  *worker.Pool
	)
	switch cfg.QueueBackend {
	case config.BackendRedis:
		queue = b.RedisQueue(cfg)
		logger.Info("jobs are executed by cmd/worker")
	default:
		mq := worker.NewMemoryQueue(cfg.QueueCapacity)
		pool = worker.NewPool(mq, b.Executor(cfg, logger), logger, worker.WithConcurrency(cfg.Workers))
		if err := pool.Start(ctx); err != nil {
			log.Fatalf("worker pool: %v", err)
		}
		queue = mq
	}

	deps := &transporthttp.Deps{
		Sessions: sessionSvc,
		Users: user.NewService(user.ServiceDeps{
			UserRepo:    userRepo,
			SessionRepo: sessionRepo,
		}),
		Registrations: registration.NewService(registration.ServiceDeps{
			UserRepo: userRepo,
			Staging:  b.Staging,
			Codes:    newVerifier(otp.PurposeSignup, channel),
			Sessions: sessionSvc,
			ViaPhone: viaPhone,
			StageTTL: cfg.RegistrationTTL,
		}),
		Auth: auth.NewService(auth.ServiceDeps{
			UserRepo:      userRepo,
			SessionRepo:   sessionRepo,
			Sessions:      sessionSvc,
			PhoneCodes:    newVerifier(otp.PurposePhone, smsSender),
			RecoveryCodes: newVerifier(otp.PurposeRecovery, channel),
			ViaPhone:      viaPhone,
		}),
		Predictions: prediction.NewService(prediction.ServiceDeps{
			JobRepo: b.Jobs,
			Queue:   queue,
			Leases:  b.Staging,
			// Past the executor's lease TTL, so a running job is never taken for abandoned.
			StaleAfter: cfg.UpstreamTimeout + 2*time.Minute,
		}),
		Tokens: jwtProvider,
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      transporthttp.NewRouter(cfg, deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Warn("worker pool stopped before jobs finished", "err", err)
		}
	}
	logger.Info("server stopped")
}
