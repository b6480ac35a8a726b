package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/api"
	"github.com/technosupport/ts-sentinel/internal/audit"
	"github.com/technosupport/ts-sentinel/internal/bus"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/live"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/middleware"
	"github.com/technosupport/ts-sentinel/internal/ratelimit"
	"github.com/technosupport/ts-sentinel/internal/retention"
	"github.com/technosupport/ts-sentinel/internal/supervisor"
	"github.com/technosupport/ts-sentinel/internal/tokens"
)

const serviceName = "sentineld"

// Control actions are rare operator pokes; anything past this rate is a
// runaway script.
const (
	controlRate       = 30
	controlRateWindow = time.Minute
)

// Consumer-side event dedup: worker publish retries and NATS redeliveries.
const (
	dedupMaxKeys = 4096
	dedupTTL     = time.Minute
)

func runControlPlane(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("SENTINEL_CONFIG"), "engine config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Stores
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	camStore := data.CameraModel{DB: db}
	eventStore := data.EventModel{DB: db}

	// 2. Audit trail with spool failover
	auditSvc := audit.NewService(db, filepath.Join(cfg.StateDir, "audit"))
	auditSvc.StartReplayer(ctx)

	// 3. Supervision
	sup := supervisor.New(supervisor.Config{
		StateDir:         cfg.StateDir,
		StopTimeout:      cfg.Supervision.StopTimeout(),
		HeartbeatTimeout: cfg.Supervision.HeartbeatTimeout(),
		Tick:             cfg.Supervision.Tick(),
		MaxRestarts:      cfg.Supervision.MaxRestarts,
		RestartBackoff:   cfg.Supervision.RestartBackoff(),
		AutoRestart:      cfg.AutoRestart,
	}, camStore, &supervisor.ExecLauncher{ConfigPath: *configPath})

	cache := live.NewCache(rdb)
	sup.SetStatusSink(cache)
	go sup.Run(ctx)

	// 4. Event feed: NATS -> live cache, websocket hub, metrics
	hub := api.NewEventHub()
	go hub.Run(ctx)

	collector := metrics.NewCollector(sup)
	go collector.Start(ctx)

	nc, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName))
	if err != nil {
		log.Fatalf("NATS connect error: %v", err)
	}
	defer nc.Close()

	consumer := bus.NewConsumer(nc, "", bus.NewDedup(dedupMaxKeys, dedupTTL))
	consumer.OnEvent(func(m *bus.Message) {
		collector.IncEvent(m.CameraID, m.Type)
		hub.BroadcastEvent(m)
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cache.SaveLatestEvent(cctx, m); err != nil {
			log.Printf("[run] cache event %s: %v", m.EventID, err)
		}
	})
	if err := consumer.Start(); err != nil {
		log.Fatalf("NATS subscribe error: %v", err)
	}
	defer consumer.Stop()

	// 5. Config reload watcher
	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, cfg, func(_ *config.Config, workersStale bool) {
			if workersStale {
				sup.MarkAllStale()
			}
		})
		go watcher.Run(ctx)
	}

	// 6. Retention sweep
	go retention.NewSweeper(eventStore, cfg.MediaRoot, cfg.RetentionDays).Run(ctx)

	// 7. HTTP API
	deps := api.Deps{
		Control:     sup,
		Events:      eventStore,
		Cache:       cache,
		Audit:       auditSvc,
		Hub:         hub,
		Limiter:     ratelimit.NewLimiter(rdb),
		ControlRate: ratelimit.Limit{Rate: controlRate, Window: controlRateWindow},
		Metrics:     collector.Handler(),
		MediaRoot:   cfg.MediaRoot,
	}
	if cfg.JWTSigningKey != "" {
		deps.Auth = middleware.NewServiceAuth(tokens.NewManager(cfg.JWTSigningKey))
		deps.GateReads = cfg.GateReads
	} else {
		log.Printf("[run] JWT_SIGNING_KEY unset, control endpoints are open")
	}

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewRouter(deps),
	}
	go func() {
		log.Printf("sentineld listening on %s", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 8. Boot the fleet
	if n, err := sup.StartAll(ctx); err != nil {
		log.Printf("[run] started %d worker(s), first error: %v", n, err)
	} else {
		log.Printf("[run] started %d worker(s)", n)
	}

	<-ctx.Done()
	log.Printf("[run] shutting down")

	// The signal context is spent; teardown gets fresh deadlines. Workers
	// get the stop timeout plus slack before the supervisor gives up.
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Printf("[run] http shutdown: %v", err)
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Supervision.StopTimeout()+5*time.Second)
	defer cancelStop()
	sup.StopAll(stopCtx)
	log.Printf("[run] stopped")
}
