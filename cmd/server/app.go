package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"careplan-service/internal/agent"
	"careplan-service/internal/audit"
	"careplan-service/internal/cache"
	"careplan-service/internal/careplan"
	"careplan-service/internal/config"
	"careplan-service/internal/events"
	"careplan-service/internal/health"
	"careplan-service/internal/intake"
	"careplan-service/internal/patient"
	"careplan-service/internal/platform/database"
	"careplan-service/internal/platform/metrics"
	"careplan-service/internal/platform/telegram"
	"careplan-service/internal/report"
)

// app owns every long-lived component and shuts them down in reverse order.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	server    *http.Server
	health    *health.Aggregator
	publisher *events.Publisher
	closers   []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	m := metrics.New()
	a.health = health.NewAggregator(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		PollInterval:     cfg.Health.PollInterval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
	}, logger)

	// 1. Infrastructure
	db, err := database.Open(ctx, cfg.Database.URL, database.RetryPolicy{
		Attempts: cfg.Database.ConnectAttempts,
		Wait:     cfg.Database.ConnectWait,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return db.Close() })
	if err := database.Migrate(db, logger); err != nil {
		a.close()
		return nil, err
	}
	a.health.AddProbe("database", db.PingContext)

	store := a.openCache(ctx)
	manager := cache.NewManager(store, cfg.Cache.TTL,
		cache.WithLogger(logger),
		cache.WithMetrics(m),
		cache.WithStatus(a.health.Tracker("cache")),
		cache.WithRetryPolicy(cache.RetryPolicy{
			Attempts:   cfg.Cache.Retry.Attempts,
			Backoff:    cfg.Cache.Retry.Backoff,
			Multiplier: cfg.Cache.Retry.Multiplier,
			MaxBackoff: cfg.Cache.Retry.MaxBackoff,
		}))

	recorder, err := a.openAudit(ctx, db)
	if err != nil {
		a.close()
		return nil, err
	}

	// 2. Events
	sinks, err := a.openSinks()
	if err != nil {
		a.close()
		return nil, err
	}
	pubOpts := []events.Option{events.WithLogger(logger), events.WithMetrics(m)}
	for _, s := range sinks {
		pubOpts = append(pubOpts, events.WithStatus(s.Name(), a.health.Tracker(trackerName(s.Name()))))
	}
	a.publisher = events.NewPublisher(events.Config{
		Enabled:   len(sinks) > 0,
		Workers:   cfg.Events.Workers,
		QueueSize: cfg.Events.QueueSize,
		Attempts:  cfg.Events.Attempts,
	}, sinks, pubOpts...)

	// 3. Planners
	remote, err := a.openRemote(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	mode, err := careplan.ParseMode(cfg.Planner.Mode)
	if err != nil {
		a.close()
		return nil, err
	}

	// 4. Services
	patientSvc := patient.NewService(patient.NewRepository(db), manager, a.publisher, logger)
	intakeSvc := intake.NewService(intake.Dependencies{
		Patients:     patientSvc,
		Audit:        recorder,
		Events:       a.publisher,
		Remote:       remote,
		RemoteStatus: a.health.Tracker("remote_planner"),
		AuditStatus:  a.health.Tracker("audit"),
		Logger:       logger,
		Metrics:      m,
	}, intake.Options{Mode: mode})

	// 5. Router
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS for frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			if r.Method == http.MethodOptions {
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	health.RegisterRoutes(r, health.NewHandler(a.health))
	r.Handle("/metrics", m.Handler())
	r.Route("/api", func(r chi.Router) {
		patient.RegisterRoutes(r, patient.NewHandler(patientSvc))
		intake.RegisterRoutes(r, intake.NewHandler(intakeSvc))
	})

	a.server = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("service wired",
		zap.String("planner_mode", string(mode)),
		zap.Bool("remote_enabled", remote.Enabled()),
		zap.String("audit_backend", cfg.Audit.Backend),
		zap.Int("event_sinks", len(sinks)))
	return a, nil
}

// openCache falls back to the in-memory store when Redis is unreachable at
// startup and keeps the cache reported as degraded for the process lifetime.
func (a *app) openCache(ctx context.Context) cache.Store {
	tracker := a.health.Tracker("cache")
	store, err := cache.Open(a.cfg.Cache.URL)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, a.cfg.Health.ProbeTimeout)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			store.Close()
		}
	}
	if err != nil {
		a.logger.Warn("cache backend unavailable, using in-memory cache", zap.Error(err))
		tracker.Degrade("cache backend unreachable at startup; using in-memory cache")
		store = cache.NewMemoryStore()
	}
	a.health.AddProbe("cache", store.Ping)
	a.onClose(func(context.Context) error { return store.Close() })
	return store
}

func (a *app) openAudit(ctx context.Context, db *database.DB) (audit.Recorder, error) {
	var recorder audit.Recorder
	switch a.cfg.Audit.Backend {
	case "mongo":
		mr, err := audit.NewMongoRecorder(ctx, a.cfg.Audit.MongoURL, a.cfg.Audit.MongoDatabase, a.cfg.Audit.MongoCollection, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(mr.Close)
		recorder = mr
	case "memory":
		a.logger.Warn("audit log kept in memory only")
		recorder = audit.NewMemoryRecorder()
	default:
		recorder = audit.NewSQLRecorder(db)
	}
	a.health.AddProbe("audit", recorder.Ping)
	return recorder, nil
}

func (a *app) openSinks() ([]events.Sink, error) {
	var sinks []events.Sink

	if a.cfg.Events.Enabled {
		ns, err := events.NewNATSSink(a.cfg.Events.NATSURL, a.cfg.Events.SubjectPrefix, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return ns.Close() })
		a.health.AddProbe(trackerName(ns.Name()), ns.Ping)
		sinks = append(sinks, ns)
	} else {
		a.health.Tracker(trackerName("nats")).Disable("")
	}

	if a.cfg.Escalation.Enabled() {
		chatID, err := strconv.ParseInt(a.cfg.Escalation.ChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ON_CALL_CHAT_ID: %w", err)
		}
		tg := telegram.NewClient(a.cfg.Escalation.TelegramToken)
		esc := report.NewService(tg, chatID, a.cfg.Escalation.FontPath, a.logger)
		a.health.AddProbe(trackerName(esc.Name()), tg.Ping)
		sinks = append(sinks, esc)
	}
	return sinks, nil
}

func (a *app) openRemote(ctx context.Context) (*careplan.Remote, error) {
	p := a.cfg.Planner
	var client agent.Client
	if !p.RemoteDisabled() {
		var err error
		client, err = agent.New(ctx, p.RemoteProvider(), p.RemoteEndpoint(), p.APIKey, p.Model)
		if err != nil {
			return nil, fmt.Errorf("remote planner: %w", err)
		}
	}
	if client == nil {
		a.health.Tracker("remote_planner").Disable("")
		return careplan.NewRemote(nil, p.Timeout, a.logger), nil
	}
	return careplan.NewRemote(client, p.Timeout, a.logger), nil
}

func trackerName(sink string) string {
	if sink == "nats" {
		return "event_bus"
	}
	return sink
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

// run serves until ctx ends, then stops accepting requests, drains queued
// events and releases the backends.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("server starting", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.health.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := a.server.Shutdown(shutdownCtx)

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), a.cfg.Events.DrainTimeout)
		defer cancelDrain()
		if derr := a.publisher.Close(drainCtx); derr != nil {
			a.logger.Warn("event queue not fully drained", zap.Error(derr))
		}
		a.close()
		return err
	})

	return g.Wait()
}
