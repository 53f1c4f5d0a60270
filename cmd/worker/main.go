// Worker persists audit events from Kafka into the Postgres audit table and prunes expired
// sessions. Set KAFKA_BROKERS, AUDIT_KAFKA_TOPIC and AUDIT_KAFKA_GROUP_ID for the consumer
// and PRUNE_INTERVAL for the sweep. GRPC_ADDR is required by config but unused.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fieldops-auth/backend/internal/app"
	"fieldops-auth/backend/internal/audit"
	"fieldops-auth/backend/internal/config"
	"fieldops-auth/backend/internal/logging"
	sessionservice "fieldops-auth/backend/internal/session/service"
)

const defaultPruneInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	log, _ := logging.New(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	log = log.With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open stores")
	}
	defer stores.Close()

	var wg sync.WaitGroup

	interval := cfg.PruneInterval()
	if interval == 0 {
		interval = defaultPruneInterval
	}
	sweeper := sessionservice.NewSweeper(stores.Sessions, cfg.PruneGrace(), nil, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, interval)
	}()

	brokers := cfg.KafkaBrokersList()
	switch {
	case len(brokers) == 0:
		log.Info().Msg("KAFKA_BROKERS not set; audit consumer disabled")
	case stores.Audit == nil:
		log.Warn().Str("driver", cfg.StoreDriver).Msg("audit consumer needs STORE_DRIVER=postgres; disabled")
	default:
		consumer := audit.NewKafkaConsumer(brokers, cfg.AuditKafkaTopic, cfg.AuditKafkaGroupID, log)
		defer consumer.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().
				Str("topic", cfg.AuditKafkaTopic).
				Str("group", cfg.AuditKafkaGroupID).
				Msg("consuming audit events")
			_ = consumer.Run(ctx, stores.Audit)
		}()
	}

	log.Info().Dur("prune_interval", interval).Msg("worker started")
	<-ctx.Done()
	log.Info().Msg("shutting down...")
	wg.Wait()
	log.Info().Msg("stopped")
}
