package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/config"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/fakekey"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/observability/logging"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/observability/metrics"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/scheduler"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/service"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/signature"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/store"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/tokens"
	httptransport "github.com/fokoua5/radar-covid-backend-dp3t-server/internal/transport/http"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/verify"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "dp3t-server",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("dp3t-server")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("gorm open: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(db)
	if err := st.AutoMigrate(ctx); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	signer, err := signature.NewFromBase64(cfg.SigningKey, signature.Metadata{
		BundleID:       cfg.BundleID,
		AndroidPackage: cfg.AndroidPackage,
		KeyVersion:     cfg.KeyVersion,
		KeyIdentifier:  cfg.KeyIdentifier,
		Region:         cfg.Region,
	})
	if err != nil {
		log.Fatalf("batch signer: %v", err)
	}
	if cfg.SigningKey == "" {
		slog.Warn("using ephemeral batch signing key, clients cannot pin it across restarts")
	}

	issuer, err := tokens.NewFromBase64(cfg.NextDayJWTKey, "dp3t-server")
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	var gateway verify.Gateway = verify.NoopGateway{}
	if cfg.ValidationURL != "" {
		gateway = verify.NewClient(cfg.ValidationURL)
	}

	fake := fakekey.New(fakekey.Config{
		KeySizeBytes:  cfg.KeySizeBytes,
		LookbackDays:  cfg.FakeKeyLookbackDays,
		CountryOrigin: cfg.CountryOrigin,
		ReportType:    int32(cfg.ReportType),
	})
	if err := fake.Refresh(cfg.FakeKeyTarget); err != nil {
		log.Fatalf("fake key pool: %v", err)
	}

	svc := service.New(
		st.Keys(cfg.ReleaseBucketDuration),
		st.Redemptions(),
		fake,
		signer,
		gateway,
		issuer,
		service.Options{
			KeySizeBytes:  cfg.KeySizeBytes,
			RetentionDays: cfg.RetentionDays,
			FakeKeyTarget: cfg.FakeKeyTarget,
			Region:        cfg.Region,
			CountryOrigin: cfg.CountryOrigin,
			ReportType:    int32(cfg.ReportType),
		},
	)

	runner := scheduler.New(st.JobLocks(), cfg.LockMaxHold)
	runner.Start(ctx,
		scheduler.Job{
			Name:     "cleanData",
			Interval: cfg.CleanupInterval,
			Run: func(ctx context.Context) error {
				return svc.CleanupExpired(ctx, cfg.Retention())
			},
		},
		scheduler.Job{
			Name:     "updateFakeKeys",
			Interval: cfg.FakeKeyRefreshEvery,
			Run:      svc.RefreshFakeKeys,
		},
	)

	mux := httptransport.NewRouter(svc, httptransport.Options{
		RequestTime:  cfg.RequestTime,
		CacheControl: cfg.ExposedListCacheControl,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("dp3t server listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %v", err)
	}
}
