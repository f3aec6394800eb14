// Package mockserver is a development backend for tradesync clients. It
// serves the realtime socket, a signed publish endpoint, the dashboard REST
// API and a generator that pushes random events on an interval.
package mockserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/tradesync"
)

// Config configures a Server.
type Config struct {
	Addr string
	// Interval between generated events. Zero disables the generator.
	Interval          time.Duration
	HeartbeatInterval time.Duration
	// Secret signs publish requests. Empty accepts unsigned requests.
	Secret string
	Seed   int64
	Logger *zap.Logger
}

// Server is the mock backend.
type Server struct {
	cfg       Config
	log       *zap.Logger
	hub       *Hub
	state     *State
	publisher *Publisher

	mu     sync.RWMutex
	faults map[string]int
}

// New builds a server. Nothing listens until Run.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	hub := NewHub(log.Named("hub"))
	return &Server{
		cfg:       cfg,
		log:       log,
		hub:       hub,
		state:     NewState(cfg.Seed),
		publisher: NewPublisher(hub, cfg.Secret),
		faults:    make(map[string]int),
	}
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) State() *State { return s.state }

// Fail makes the REST endpoint named name answer with status. A zero status
// clears the fault. Names are bookmarks, summary, notifications, feeds and
// exchange-rates.
func (s *Server) Fail(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.faults, name)
		return
	}
	s.faults[name] = status
}

func (s *Server) fault(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faults[name]
}

// Handler returns the router. ctx bounds the lifetime of socket handlers.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Head("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.hub.Stats())
	})
	r.Get("/ws", s.hub.ServeWS(ctx))
	r.Method(http.MethodPost, "/publish", s.publisher)

	r.Route("/api", func(r chi.Router) {
		r.Get("/bookmarks", s.serve("bookmarks", func() any { return s.state.Bookmarks() }))
		r.Get("/dashboard/summary", s.serve("summary", func() any { return s.state.Summary() }))
		r.Get("/notifications", s.serve("notifications", func() any { return s.state.Notifications() }))
		r.Get("/feeds", s.serve("feeds", func() any { return s.state.Feeds() }))
		r.Get("/exchange-rates", s.serve("exchange-rates", func() any { return s.state.Rates() }))
	})
	return r
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) serve(name string, data func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status := s.fault(name); status != 0 {
			writeJSON(w, status, map[string]any{
				"success": false,
				"error":   apiError{Code: "MOCK_FAULT", Message: http.StatusText(status)},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data()})
	}
}

// Generate pushes one random event to every client.
func (s *Server) Generate() (tradesync.Envelope, int, error) {
	env, err := s.state.Random()
	if err != nil {
		return env, 0, err
	}
	return env, s.hub.Broadcast(env), nil
}

func (s *Server) generateLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, n, err := s.Generate()
			if err != nil {
				s.log.Warn("generate event", zap.Error(err))
				continue
			}
			s.log.Debug("event generated", zap.String("type", string(env.Type)), zap.Int("delivered", n))
		}
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.Interval > 0 {
		go s.generateLoop(ctx)
	}
	if s.cfg.HeartbeatInterval > 0 {
		go s.hub.HeartbeatLoop(ctx, s.cfg.HeartbeatInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("mock server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Shutdown()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return srv.Shutdown(shutdownCtx)
}
