package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/telemetry"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const demoSlug = "demo"

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			memoryMode, _ := cmd.Flags().GetBool("memory")
			return runServer(memoryMode)
		},
	}
	cmd.Flags().Bool("memory", false, "Use the in-process store with a seeded demo clinic instead of Postgres")
	return cmd
}

func runServer(memoryMode bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	shutdownTelemetry := telemetry.Setup(telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx := context.Background()
	var st store.Store
	var mem *memory.Store
	if memoryMode {
		mem = memory.NewStore()
		st = mem
		logger.Warn().Msg("running with the in-memory store, data is lost on exit")
	} else {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
		logger.Info().Msg("connected to database")
	}

	h := hub.New(logger.With().Str("component", "hub").Logger())
	engine := queue.NewEngine(st, queue.Options{
		Location:            cfg.Location(),
		DefaultMaxTokens:    cfg.DefaultMaxTokensPerDay,
		DefaultRadiusMeters: cfg.DefaultGeofenceRadiusMeters,
		TokenTTL:            cfg.TokenTTL(),
		Logger:              logger.With().Str("component", "queue").Logger(),
		Publisher:           h,
	})

	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET is empty, staff routes will reject every request")
	}
	auth := httpapi.NewAuthenticator(cfg.JWTSecret)

	if mem != nil {
		if err := seedDemo(ctx, mem, engine, auth, logger); err != nil {
			return fmt.Errorf("seed demo clinic: %w", err)
		}
	}

	api := httpapi.NewHandler(engine, auth, logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		TenantPerMinute: cfg.TenantRateLimitPerMinute,
		TenantBurst:     cfg.TenantRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", httpapi.NewRealtimeHandler(h, auth, logger.With().Str("component", "realtime").Logger()))
	mux.Handle("/", api.Routes())

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(mux)), serviceName)
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelHandler,
		ReadTimeout: 10 * time.Second,
		// SockJS streaming transports keep responses open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.ExpirySweepSchedule != "" {
		scheduler := cron.New()
		if _, err := queue.ScheduleExpirySweep(scheduler, cfg.ExpirySweepSchedule, engine, time.Minute, logger.With().Str("component", "expiry").Logger()); err != nil {
			return fmt.Errorf("schedule expiry sweep %q: %w", cfg.ExpirySweepSchedule, err)
		}
		scheduler.Start()
		defer func() {
			<-scheduler.Stop().Done()
		}()
		logger.Info().Str("schedule", cfg.ExpirySweepSchedule).Msg("expiry sweep enabled")
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("clinic-queue listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}

// seedDemo gives --memory mode a clinic to talk to: slug "demo", one
// specialist and the general doctor status set to IN for today.
func seedDemo(ctx context.Context, mem *memory.Store, engine *queue.Engine, auth *httpapi.Authenticator, logger zerolog.Logger) error {
	tenant := mem.PutTenant(models.Tenant{Slug: demoSlug, Name: "Demo Clinic", QRActive: true})
	specialist := mem.PutSpecialist(models.Specialist{
		TenantID:  tenant.TenantID,
		Name:      "Dr. Demo",
		Specialty: "General Medicine",
		IsActive:  true,
	})
	if _, err := engine.SetDoctorStatus(ctx, tenant.TenantID, "", models.DoctorIn, "seed"); err != nil {
		return err
	}

	event := logger.Info().
		Str("tenant_id", tenant.TenantID).
		Str("slug", tenant.Slug).
		Str("specialist_id", specialist.SpecialistID)
	if token, err := auth.Sign(tenant.TenantID, "demo-staff", 12*time.Hour); err == nil {
		event = event.Str("staff_token", token)
	}
	event.Msg("demo clinic seeded")
	return nil
}
