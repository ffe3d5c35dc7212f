// Package gateway is the WebSocket control plane. Each connection is a
// session that authenticates, accepts chat and approval messages, and
// relays agent stream events back to the client.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/relayhq/relay/internal/approval"
	"github.com/relayhq/relay/internal/auth"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/observability"
	"github.com/relayhq/relay/internal/ratelimit"
	"github.com/relayhq/relay/internal/registry"
	"github.com/relayhq/relay/internal/runner"
	"github.com/relayhq/relay/internal/store"
)

// RunnerFactory builds one runner per admitted chat request.
type RunnerFactory func(cfg config.AgentConfig) (runner.Runner, error)

// Deps are the collaborators a Server coordinates. Config, Logger, Auth,
// and Store are required; the rest default from Config when nil.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Auth      *auth.Service
	Store     store.Store
	Limiter   *ratelimit.Limiter
	Registry  *registry.Registry
	Gate      *approval.Gate
	Metrics   *observability.Metrics
	NewRunner RunnerFactory
}

// Server accepts WebSocket connections and runs one session per
// connection.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	auth     *auth.Service
	store    store.Store
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	gate     *approval.Gate
	metrics  *observability.Metrics

	newRunner RunnerFactory
	upgrader  websocket.Upgrader
}

// NewServer wires a Server from its dependencies.
func NewServer(deps Deps) *Server {
	cfg := deps.Config

	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			Window:      cfg.Limits.RateWindow,
			MaxRequests: cfg.Limits.RateMax,
			Enabled:     true,
		})
	}

	reg := deps.Registry
	if reg == nil {
		var opts []registry.Option
		if deps.Metrics != nil {
			opts = append(opts, registry.WithActiveGauge(deps.Metrics.ActiveRunners))
		}
		reg = registry.New(cfg.Limits.MaxConcurrentRunners, opts...)
	}

	gate := deps.Gate
	if gate == nil {
		policy := approval.DefaultPolicy()
		if len(cfg.Approval.ReadOnlyTools) > 0 {
			policy = &approval.Policy{ReadOnlyTools: cfg.Approval.ReadOnlyTools}
		}
		var opts []approval.Option
		if cfg.Approval.Timeout > 0 {
			opts = append(opts, approval.WithTimeout(cfg.Approval.Timeout))
		}
		if deps.Metrics != nil {
			opts = append(opts, approval.WithOutcomeCounter(deps.Metrics.Approvals))
		}
		gate = approval.NewGate(policy, opts...)
	}

	factory := deps.NewRunner
	if factory == nil {
		factory = runner.NewRunner
	}

	return &Server{
		cfg:       cfg,
		logger:    deps.Logger,
		auth:      deps.Auth,
		store:     deps.Store,
		limiter:   limiter,
		registry:  reg,
		gate:      gate,
		metrics:   deps.Metrics,
		newRunner: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the HTTP mux exposing the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.Connections.Inc()
		defer s.metrics.Connections.Dec()
	}
	newSession(s, conn, r.Context()).run()
}
