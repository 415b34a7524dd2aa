package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/modelfleet/modelfleet/internal/alerting"
	"github.com/modelfleet/modelfleet/internal/archive"
	"github.com/modelfleet/modelfleet/internal/config"
	"github.com/modelfleet/modelfleet/internal/deploy"
	"github.com/modelfleet/modelfleet/internal/health"
	"github.com/modelfleet/modelfleet/internal/httpserver"
	"github.com/modelfleet/modelfleet/internal/metrics"
	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/rollback"
	"github.com/modelfleet/modelfleet/internal/service"
	"github.com/modelfleet/modelfleet/internal/snapshot"
	"github.com/modelfleet/modelfleet/internal/store"
	"github.com/modelfleet/modelfleet/internal/traffic"
)

func main() {
	runDriver := flag.Bool("run-driver", true, "advance in-flight deployments in the background")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("policy load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		st = pg
	} else {
		log.Printf("no database configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	var archiver archive.Archiver
	if cfg.SnapshotBucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.SnapshotBucket, cfg.SnapshotPrefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
		archiver = s3Archiver
	}
	snaps := snapshot.NewManager(st, archiver, nil)

	var checker health.Checker = health.NewStaticChecker()
	if cfg.HealthCheckURL != "" {
		httpChecker, err := health.NewHTTPChecker(health.HTTPCheckerConfig{
			BaseURL: cfg.HealthCheckURL,
			Timeout: cfg.HealthCheckTimeout,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("health checker init: %v", err)
		}
		checker = httpChecker
	}

	var publisher traffic.Publisher = traffic.NopPublisher{}
	if cfg.RedisAddr != "" {
		redisPub := traffic.NewRedisPublisher(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisPub.Ping(ctx); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		defer redisPub.Close()
		publisher = redisPub
	}

	var thresholds models.Thresholds
	if policy.DefaultThresholds != nil {
		thresholds = *policy.DefaultThresholds
	}

	sink := make(chan models.AlertEvent, 256)
	agg := metrics.NewAggregator(metrics.Config{
		WindowSize: *policy.MetricWindowSize,
		AlertSink:  sink,
	})

	orch := deploy.NewOrchestrator(deploy.Config{
		Store:        st,
		Snapshots:    snaps,
		Checker:      checker,
		Publisher:    publisher,
		Metrics:      agg,
		Thresholds:   thresholds,
		CanaryStages: policy.CanaryStages,
		StageWindow:  time.Duration(*policy.StageWindowSeconds) * time.Second,
		CheckTimeout: cfg.HealthCheckTimeout,
	})
	if err := rehydrate(ctx, st, orch); err != nil {
		log.Fatalf("rehydrate serving state: %v", err)
	}

	var events rollback.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub, err := alerting.NewKafkaPublisher(alerting.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer kafkaPub.Close()
		events = kafkaPub
	}

	ctrl := rollback.NewController(rollback.Config{
		Store:      st,
		Snapshots:  snaps,
		Orch:       orch,
		Aggregator: agg,
		Publisher:  events,
		Alerts:     sink,
	})

	svc := service.New(st, orch, ctrl, agg, snaps, thresholds)
	server := httpserver.New(svc, st)

	go ctrl.Run(ctx)
	if *runDriver {
		go deploy.RunDriver(ctx, orch, deploy.DriverConfig{PollInterval: cfg.AdvanceInterval})
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}
	go func() {
		log.Printf("modelfleet service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

// rehydrate primes each artifact's serving state from its most recent
// snapshot so traffic answers survive a restart.
func rehydrate(ctx context.Context, st store.Store, orch *deploy.Orchestrator) error {
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		artifacts, err := st.ListArtifacts(ctx, pageSize, offset)
		if err != nil {
			return err
		}
		for _, artifact := range artifacts {
			snaps, err := st.ListSnapshots(ctx, store.ListSnapshotsFilter{ArtifactName: artifact.Name, Limit: 1})
			if err != nil {
				return err
			}
			if len(snaps) == 0 || snaps[0].Empty() {
				continue
			}
			orch.Seed(artifact.Name, snaps[0].ActiveVersion, snaps[0].TrafficSplit)
		}
		if len(artifacts) < pageSize {
			return nil
		}
	}
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
