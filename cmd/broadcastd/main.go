package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/broadcastd/internal/audit"
	"github.com/adred-codev/broadcastd/internal/bus"
	"github.com/adred-codev/broadcastd/internal/catalog"
	"github.com/adred-codev/broadcastd/internal/config"
	"github.com/adred-codev/broadcastd/internal/dlt"
	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/faultinject"
	"github.com/adred-codev/broadcastd/internal/httpapi"
	"github.com/adred-codev/broadcastd/internal/inbox"
	"github.com/adred-codev/broadcastd/internal/logging"
	"github.com/adred-codev/broadcastd/internal/orchestrator"
	"github.com/adred-codev/broadcastd/internal/outbox"
	"github.com/adred-codev/broadcastd/internal/platform"
	"github.com/adred-codev/broadcastd/internal/registry"
	"github.com/adred-codev/broadcastd/internal/scheduler"
	"github.com/adred-codev/broadcastd/internal/session"
	"github.com/adred-codev/broadcastd/internal/targeting"
)

// Batch size for targeting precomputation's pgx.CopyFrom staging (§4.8).
const targetingBatchSize = 500

// Shared TTL for cached inbox entries in the distributed region (§4.6).
const inboxCacheTTL = 24 * time.Hour

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrapLog := logging.New("info", "json")

	maxProcs := runtime.GOMAXPROCS(0)
	bootstrapLog.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied container CPU quota")

	cfg, err := config.Load(&bootstrapLog)
	if err != nil {
		bootstrapLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.Print()
	cfg.LogConfig(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	brokers := bus.ParseBrokers(cfg.BusBrokers)
	producerClient, err := bus.NewProducerClient(brokers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build bus producer client")
	}
	defer producerClient.Close()

	consumerClient, err := bus.NewConsumerClient(brokers, cfg.ConsumerGroup, cfg.OrchestrationTopic)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build bus consumer client")
	}
	defer consumerClient.Close()

	var alerter audit.Alerter = audit.ConsoleAlerter{}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		alerter = audit.NewMultiAlerter(audit.ConsoleAlerter{}, audit.NewSlackAlerter(webhook))
	}
	auditLog := audit.New(log, alerter)
	_ = auditLog // wired into components below that opt into audited events

	cpu := platform.NewContainerCPU()
	guard := platform.NewResourceGuard(platform.GuardConfig{
		MaxConnections:     int64(cfg.MaxConnections),
		MaxGoroutines:      cfg.MaxGoroutines,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		MaxBusRate:         cfg.MaxBusRate,
		MaxBroadcastRate:   cfg.MaxBusRate,
		SampleInterval:     cfg.MetricsInterval,
	}, log, cpu, runtime.NumGoroutine)
	defer guard.Stop()

	outboxStore := outbox.NewStore(pool)
	catalogStore := catalog.NewStore(pool, outboxStore, cfg.OrchestrationTopic)
	inboxStore := inbox.NewStore(pool, redisClient, cfg.InboxCacheSize, inboxCacheTTL)
	directory := targeting.NewPostgresDirectory(pool)
	precomputer := targeting.NewPrecomputer(pool, directory, targetingBatchSize)
	dltStore := dlt.NewStore(pool)
	faults := faultinject.New(redisClient)
	sessionRegistry := registry.New(redisClient, cfg.SessionStaleThreshold*3)
	sessionHistory := registry.NewHistory(pool)

	// emitRead re-enters the outbox with a READ event, the same durable
	// path server-initiated state changes use (§4.6).
	emitRead := func(ctx context.Context, recipientID, broadcastID string) error {
		return catalogStore.AppendEvent(ctx, domain.OutboxEvent{
			AggregateType: domain.AggregateDelivery,
			AggregateID:   broadcastID,
			RecipientID:   recipientID,
			EventType:     domain.EventDeliveryRead,
		})
	}

	connPool := session.NewConnectionPool(cfg.ConnectionQueueDepth)
	sessionMgr := session.NewManager(session.Config{
		NodeID:          cfg.NodeID,
		ClusterID:       cfg.ClusterID,
		QueueCapacity:   cfg.ConnectionQueueDepth,
		FlushTimeout:    cfg.FlushTimeout,
		MaxSlowFlushes:  cfg.MaxSlowFlushesInWindow,
		SlowFlushWindow: cfg.SessionHeartbeat,
		HeartbeatPeriod: cfg.SessionHeartbeat,
	}, connPool, sessionRegistry, inboxStore, catalogStore, catalogStore, emitRead, guard, log)

	// pusher routes DELIVERY.PUSH work items across the whole cluster:
	// sessions on this node are delivered directly through sessionMgr,
	// sessions on another node are forwarded over that node's Redis
	// pub/sub channel (§4.3/§4.4) — so C3's fan-out is never limited to
	// whichever node happens to run the consumer.
	pusher := session.NewNodeRouter(cfg.NodeID, sessionMgr, redisClient, log)

	relay := outbox.NewRelay(outboxStore, &outbox.KgoPublisher{Client: producerClient}, redisClient, log,
		"broadcastd:lock:outbox_relay", cfg.RelayLockAtLeast, cfg.RelayLockAtMost, cfg.OutboxDrainInterval, cfg.OutboxDrainBatchSize)

	consumer := orchestrator.NewConsumer(orchestrator.Deps{
		Client:     consumerClient,
		Topic:      cfg.OrchestrationTopic,
		DLTTopic:   bus.DLTTopic(cfg.OrchestrationTopic),
		Broadcast:  catalogStore,
		Inbox:      inboxStore,
		Targeting:  precomputer,
		Sessions:   sessionRegistry,
		Pusher:     pusher,
		Outbox:     catalogStore,
		DLT:        dltStore,
		Faults:     faults,
		Guard:      guard,
		MaxRetries: 3,
	}, log)

	sched := scheduler.New(scheduler.Config{
		PrefetchWindow:         cfg.SchedulerPrefetchWindow,
		ScheduledActivatorTick: cfg.SchedulerTick,
		ExpirationSweeperTick:  cfg.SchedulerTick,
		InboxCleanupTick:       cfg.InboxCleanupTick,
		SessionPurgeTick:       24 * time.Hour,
		LockAtLeast:            cfg.SchedulerLockAtLeast,
		LockAtMost:             cfg.SchedulerLockAtMost,
		InboxCacheThreshold:    cfg.InboxCleanupThreshold,
		SessionRetention:       cfg.SessionRetention,
	}, redisClient, catalogStore, precomputer, catalogStore, inboxStore, sessionHistory, log)

	// republish turns a dead-letter record back into a REDRIVE_REQUESTED
	// outbox event, so a redrive re-enters through the normal
	// outbox/consumer path with no side channel (§4.9).
	republish := func(ctx context.Context, rec domain.DeadLetterRecord) error {
		var env domain.BusEnvelope
		_ = json.Unmarshal(rec.OriginalMessagePayload, &env)
		return catalogStore.AppendEvent(ctx, domain.OutboxEvent{
			AggregateType: domain.AggregateDelivery,
			AggregateID:   rec.BroadcastID,
			RecipientID:   env.RecipientID,
			EventType:     domain.EventRedriveRequested,
			CorrelationID: rec.CorrelationID,
		})
	}

	adminHandler := httpapi.NewAdminHandler(catalogStore, inboxStore, dltStore, inboxStore, catalogStore, republish, faults, log)
	recipientHandler := httpapi.NewRecipientHandler(sessionMgr, inboxStore, emitRead, nil, log)

	mux := http.NewServeMux()
	adminHandler.Register(mux)
	recipientHandler.Register(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:           cfg.Addr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go relay.Run(ctx)
	go consumer.Run(ctx)
	go sched.Run(ctx)
	go pusher.Subscribe(ctx)
	go heartbeatLoop(ctx, sessionMgr, cfg.SessionHeartbeat)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server accept loop error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sessionMgr.Shutdown(shutdownCtx, 30*time.Second)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}

	cancel()
	log.Info().Msg("shutdown complete")
}

// heartbeatLoop refreshes every local connection's registry TTL and
// sends a HEARTBEAT frame, the periodic half of §4.5's heartbeat
// contract (the other half is driven per-connection by the pumps).
func heartbeatLoop(ctx context.Context, mgr *session.Manager, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Heartbeat(ctx)
		}
	}
}
