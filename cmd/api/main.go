// Command api runs the control-plane HTTP service.
//
// Everything is wired here: configuration, the encryption keyring, row
// storage, the domain engines and the HTTP surface. Optional backends
// (Redis, Pub/Sub, Cloud Tasks, the sandbox) attach only when configured;
// the process boots without them and degrades to in-process equivalents.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/approval"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/circuitbreaker"
	"github.com/ocmt/control-plane/internal/config"
	"github.com/ocmt/control-plane/internal/credsync"
	"github.com/ocmt/control-plane/internal/events"
	"github.com/ocmt/control-plane/internal/gateway"
	"github.com/ocmt/control-plane/internal/httpapi"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/keyring"
	"github.com/ocmt/control-plane/internal/metrics"
	"github.com/ocmt/control-plane/internal/notify"
	"github.com/ocmt/control-plane/internal/outbound"
	"github.com/ocmt/control-plane/internal/ratelimit"
	"github.com/ocmt/control-plane/internal/storage"
	"github.com/ocmt/control-plane/internal/vault"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ring, err := keyring.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to load encryption keyring: %v", err)
	}

	m := metrics.NewMetrics()
	breakers := circuitbreaker.NewServiceBreakers()

	store, err := storage.NewClient(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	// Root context for every background loop: sweepers, the health
	// refresher, delivery workers. Cancelled once HTTP has drained.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rate limiting. Counters live in Redis when configured so replicas
	// agree on a tenant's budget; otherwise each process counts alone.
	local := ratelimit.NewMemoryStore()
	var shared ratelimit.Store
	var redisStore *ratelimit.RedisStore
	if cfg.Cache.RedisAddr != "" {
		redisStore, err = ratelimit.NewRedisStore(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		shared = redisStore
	}
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
	limiter := ratelimit.NewLimiter("api", "tenant", window, shared, local, m)

	// Identity and tokens.
	codec, err := identity.NewCodec(cfg.Server.SessionSecret, 0)
	if err != nil {
		log.Fatalf("Failed to initialize session codec: %v", err)
	}
	tokens := gateway.NewService(store, ring)
	auth := identity.NewAuthenticator(codec, tokens)

	// Audit trail.
	auditStore, err := audit.NewStore(cfg.Audit, cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize audit store: %v", err)
	}
	auditor := audit.NewRecorder(auditStore)
	tokens.SetRecorder(auditor)

	// Vault.
	vaultEngine := vault.NewEngine()
	sessions := vault.NewSessionManager(time.Duration(cfg.Vault.SessionTTLMinutes) * time.Minute)
	defer sessions.Close()

	// Activity events. The Pub/Sub bus persists emits before fanning out
	// to live SSE and WebSocket feeds.
	bus := events.NewBus(m)
	var emitter events.Emitter = bus
	var pubsubBus *events.PubSubBus
	if cfg.Events.PubSubProjectID != "" && cfg.Events.PubSubTopic != "" {
		pubsubBus, err = events.NewPubSubBus(cfg.Events.PubSubProjectID, cfg.Events.PubSubTopic, bus)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		emitter = pubsubBus
	}
	wsfeed := events.NewWSFeed(bus, cfg.Server.Env, cfg.Server.AllowedOrigins)

	// Webhook delivery. The worker pool always runs; Cloud Tasks fronts it
	// when a queue is configured and falls back to it when enqueues fail.
	registry := notify.NewRegistry()
	pool := notify.NewDispatcher(registry, m, cfg.Notify.Workers)
	pool.Start()
	var notifier notify.Sender = pool
	var cloud *notify.CloudDispatcher
	if cfg.Notify.CloudTasksProjectID != "" {
		cloud, err = notify.NewCloudDispatcher(cfg.Notify, registry, pool, m)
		if err != nil {
			log.Printf("⚠️ Cloud Tasks unavailable, staying on in-process delivery: %v", err)
		} else {
			notifier = cloud
		}
	}
	loadSubscriptions(ctx, store, ring, registry)

	// Approvals.
	approvals := approval.NewService(storage.NewApprovalStore(store), auditor, m)
	approvals.StartSweeper(ctx, time.Minute)

	// Alerting.
	alerts := alerting.NewEngine(storage.AlertStores(store), ring, m)
	alerts.SetEmitter(emitter)
	alerts.SetNotifier(notifier)
	alerts.SetBreakers(breakers)
	mailer := notify.NewMailer(cfg.Notify, breakers.Mailer)
	if mailer.Enabled() {
		alerts.SetMailer(mailer, func(ctx context.Context, ownerID string) (string, error) {
			owner, err := store.GetOwner(ctx, ownerID)
			if err != nil || owner == nil {
				return "", err
			}
			return owner.Email, nil
		})
	}
	if shared != nil {
		alerts.SetThrottle(ratelimit.NewLimiter("api", "alert_channel", time.Minute, shared, ratelimit.NewMemoryStore(), m), 0)
	}
	alerts.StartSweeper(ctx, time.Hour)

	// Outbound calls.
	out := outbound.NewService(cfg.Outbound, storage.OutboundStores(store), ring, m)
	out.SetRecorder(auditor)
	out.SetEmitter(emitter)
	out.SetBreakers(breakers)
	if shared != nil {
		out.SetLimiter(ratelimit.NewLimiter("api", "resource_call", time.Hour, shared, ratelimit.NewMemoryStore(), m), cfg.Outbound.PerResourceHourly)
	}

	// Sandbox plumbing, only when a base URL is configured.
	var syncer *credsync.Syncer
	var proxy *events.ContainerProxy
	if cfg.Sandbox.BaseURL != "" {
		syncer = credsync.New(cfg.Sandbox, tokens, m)
		syncer.SetBreaker(breakers.Sandbox)
		proxy = events.NewContainerProxy(cfg.Sandbox.BaseURL, breakers.Sandbox)
	}

	srv, err := httpapi.NewServer(httpapi.Deps{
		Config:    cfg,
		Auth:      auth,
		Vault:     vaultEngine,
		Sessions:  sessions,
		Store:     store,
		Tokens:    tokens,
		Approvals: approvals,
		Alerts:    alerts,
		Outbound:  out,
		Auditor:   auditor,
		Bus:       bus,
		Emitter:   emitter,
		WSFeed:    wsfeed,
		Proxy:     proxy,
		Registry:  registry,
		Notifier:  notifier,
		Ring:      ring,
		Metrics:   m,
		Limiter:   limiter,
		CredSync:  syncer,
	})
	if err != nil {
		log.Fatalf("Failed to assemble HTTP surface: %v", err)
	}

	srv.RegisterCheck("storage", store.Ping)
	if redisStore != nil {
		srv.RegisterCheck("cache", redisStore.Ping)
	}
	if pubsubBus != nil {
		srv.RegisterCheck("events", pubsubBus.HealthCheck)
	}
	srv.RegisterCheck("audit", func(ctx context.Context) error {
		_, err := auditor.Search(ctx, audit.Query{Limit: 1})
		return err
	})
	srv.StartHealthRefresher(ctx, 15*time.Second)

	// Graceful shutdown (Cloud Run sends SIGTERM).
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	// HTTP has drained. Stop the background machinery and flush what is
	// still in flight.
	cancel()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()

	if syncer != nil {
		syncer.Close()
	}
	if cloud != nil {
		if err := cloud.Shutdown(drainCtx); err != nil {
			log.Printf("Dispatcher shutdown error: %v", err)
		}
	} else if err := pool.Shutdown(drainCtx); err != nil {
		log.Printf("Dispatcher shutdown error: %v", err)
	}
	bus.Shutdown()
	if pubsubBus != nil {
		if err := pubsubBus.Close(); err != nil {
			log.Printf("Pub/Sub close error: %v", err)
		}
	}

	log.Println("Server stopped")
}

// loadSubscriptions rehydrates the delivery registry from persisted webhook
// subscriptions. Rows that were disabled for failing stay disabled; rows
// whose sealed secret no longer opens are skipped rather than delivered
// unsigned.
func loadSubscriptions(ctx context.Context, store *storage.Client, ring *keyring.Keyring, registry *notify.Registry) {
	rows, err := store.ListSubscriptions(ctx)
	if err != nil {
		log.Fatalf("Failed to load webhook subscriptions: %v", err)
	}

	loaded := 0
	for i := range rows {
		row := rows[i]
		if !row.Active {
			continue
		}
		secret, err := ring.Decrypt(row.EncryptedSecret)
		if err != nil {
			log.Printf("⚠️ Skipping subscription %s: secret does not open: %v", row.ID, err)
			continue
		}
		eventTypes := make([]notify.EventType, 0, len(row.Events))
		for _, e := range row.Events {
			eventTypes = append(eventTypes, notify.EventType(e))
		}
		sub := &notify.Subscription{
			ID:      row.ID,
			OwnerID: row.OwnerID,
			URL:     row.URL,
			Events:  eventTypes,
			Secret:  string(secret),
		}
		if err := registry.Register(sub); err != nil {
			log.Printf("⚠️ Skipping subscription %s: %v", row.ID, err)
			continue
		}
		loaded++
	}
	if loaded > 0 {
		log.Printf("✅ Loaded %d webhook subscriptions", loaded)
	}
}
