// Package api provides HTTP handlers and the main API server logic for MealReady.
//
// It exposes RESTful endpoints for starting meal plan generations, reading
// session state, receiving the backend's completion webhook, and polling for
// plan-ready notifications. The API integrates with the generation, notify,
// store, and scheduler modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grovli/mealready/internal/generation"
	"github.com/grovli/mealready/internal/mealapi"
	"github.com/grovli/mealready/internal/messaging"
	"github.com/grovli/mealready/internal/notify"
	"github.com/grovli/mealready/internal/recovery"
	"github.com/grovli/mealready/internal/scheduler"
	"github.com/grovli/mealready/internal/store"
)

// Default configuration constants
const (
	// DefaultAddr is the default API server listen address.
	DefaultAddr = ":8080"
	// DefaultPurgeCron runs the notification TTL purge hourly.
	DefaultPurgeCron = "0 * * * *"
	// DefaultShutdownTimeout bounds graceful server shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr      string
	PurgeCron string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPurgeCron sets the cron expression for the notification purge job.
func WithPurgeCron(expr string) Option {
	return func(o *Opts) { o.PurgeCron = expr }
}

// Server wires the HTTP surface to the generation pipeline.
type Server struct {
	addr         string
	purgeCron    string
	st           store.Store
	channel      *notify.Channel
	orchestrator *generation.Orchestrator
	sched        *scheduler.Scheduler
	httpServer   *http.Server
}

// NewServer creates an API server over an already-constructed pipeline.
func NewServer(st store.Store, channel *notify.Channel, orch *generation.Orchestrator, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, PurgeCron: DefaultPurgeCron}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:         cfg.Addr,
		purgeCron:    cfg.PurgeCron,
		st:           st,
		channel:      channel,
		orchestrator: orch,
	}
}

// Handler returns the routed HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate", s.generateHandler)
	mux.HandleFunc("/session", s.sessionHandler)
	mux.HandleFunc("/session/viewed", s.viewedHandler)
	mux.HandleFunc("/session/refetch", s.refetchHandler)
	mux.HandleFunc("/reset", s.resetHandler)
	mux.HandleFunc("/webhook/meal-ready", s.webhookHandler)
	mux.HandleFunc("/notifications/check", s.notificationCheckHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start begins serving and schedules the notification purge job. It blocks
// until the listener fails.
func (s *Server) Start() error {
	s.sched = scheduler.NewScheduler()
	if err := s.sched.AddJob(s.purgeCron, func() {
		n, err := s.channel.PurgeExpired()
		if err != nil {
			slog.Error("Server purge job failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Server purge job removed expired notifications", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule purge job: %w", err)
	}

	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	slog.Info("MealReady API running", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Close stops the scheduler, the orchestrator, and the HTTP listener.
func (s *Server) Close() error {
	if s.sched != nil {
		s.sched.Stop()
	}
	s.orchestrator.Close()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Run constructs the full pipeline from module options and serves until the
// listener fails. notifierTo, when non-empty, enables the Twilio SMS
// notifier for plan completions.
func Run(storeOpts []store.Option, clientOpts []mealapi.Option, notifyOpts []notify.Option, genOpts []generation.Option, apiOpts []Option, notifierTo string) error {
	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	client, err := mealapi.NewClient(clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize meal API client: %w", err)
	}

	channel := notify.NewChannel(st, notifyOpts...)
	orch := generation.NewOrchestrator(st, client, channel, genOpts...)
	defer orch.Close()

	if notifierTo != "" {
		sender, err := messaging.NewTwilioSender()
		if err != nil {
			return fmt.Errorf("failed to initialize Twilio sender: %w", err)
		}
		notifier, err := messaging.NewPlanReadyNotifier(sender, notifierTo)
		if err != nil {
			return fmt.Errorf("failed to initialize plan-ready notifier: %w", err)
		}
		orch.OnPlanReady(notifier.PlanReady)
		slog.Info("SMS plan-ready notifier enabled")
	}

	if err := recovery.NewManager(st, orch).Recover(); err != nil {
		slog.Error("Run: startup recovery failed", "error", err)
	}

	srv := NewServer(st, channel, orch, apiOpts...)
	return srv.Start()
}

// buildStore selects a backend from the configured options, falling back to
// the in-memory store when no DSN was provided.
func buildStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("Run: no database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("Run: using PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(opts...)
	}
	slog.Debug("Run: using SQLite store", "db_path", cfg.DSN)
	return store.NewSQLiteStore(opts...)
}
