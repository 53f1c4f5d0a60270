package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"

	"fieldops-auth/backend/internal/app"
	"fieldops-auth/backend/internal/config"
	healthhandler "fieldops-auth/backend/internal/health/handler"
	identityhandler "fieldops-auth/backend/internal/identity/handler"
	identityservice "fieldops-auth/backend/internal/identity/service"
	"fieldops-auth/backend/internal/logging"
	"fieldops-auth/backend/internal/security"
	"fieldops-auth/backend/internal/server"
	sessionservice "fieldops-auth/backend/internal/session/service"
	telemetryotel "fieldops-auth/backend/internal/telemetry/otel"
)

const healthInterval = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	log, fellBack := logging.New(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	if fellBack && cfg.LogLevel != "" {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown LOG_LEVEL, using info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "fieldops-auth",
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("otel")
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open stores")
	}
	defer stores.Close()

	access, err := app.NewAccessIssuer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("access token issuer")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := sessionservice.NewMetrics(reg)

	pipeline := app.NewAuditPipeline(cfg, stores, providers.LoggerProvider, log)
	defer pipeline.Close()

	principals := identityservice.NewPrincipals(stores.Credentials)
	sessions := sessionservice.NewManager(
		stores.Sessions,
		security.NewRefreshCodec(cfg.RefreshTokenPepper),
		access,
		principals,
		pipeline,
		metrics,
		log,
		sessionservice.Config{RefreshTTL: cfg.RefreshTTL(), MaxActiveSessions: cfg.MaxActiveSessions},
	)

	rdb := app.NewRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}
	auth := identityservice.NewAuthService(
		stores.Credentials,
		security.NewHasher(cfg.BcryptCost),
		sessions,
		app.NewThrottle(cfg, rdb),
		pipeline,
		log,
	)

	hs := health.NewServer()
	checker := healthhandler.NewChecker(hs, log, identityhandler.AuthServiceName)
	checker.Add("store", stores.Pinger())
	if rdb != nil {
		checker.Add("redis", healthhandler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))
	}
	go checker.Run(ctx, healthInterval)

	if interval := cfg.PruneInterval(); interval > 0 {
		sweeper := sessionservice.NewSweeper(stores.Sessions, cfg.PruneGrace(), metrics, log)
		go sweeper.Run(ctx, interval)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	defer lis.Close()

	s := server.NewGRPCServer(server.Deps{Auth: auth, Access: access, Health: hs, Log: log})

	go func() {
		log.Info().
			Str("addr", cfg.GRPCAddr).
			Str("store", cfg.StoreDriver).
			Str("access_format", cfg.AccessTokenFormat).
			Bool("throttle", rdb != nil).
			Bool("otel", providers.Enabled()).
			Msg("gRPC server listening")
		if err := s.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down gRPC server...")
	hs.Shutdown()
	s.GracefulStop()
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(sctx)
		cancel()
	}
	log.Info().Msg("gRPC server stopped")
}
