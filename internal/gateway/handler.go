// Package gateway bridges browser websocket channels to live sessions and
// their enrichment pipelines.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/liverelay/internal/admission"
	"github.com/ashureev/liverelay/internal/domain"
	"github.com/ashureev/liverelay/internal/enrich"
	"github.com/ashureev/liverelay/internal/identity"
	"github.com/ashureev/liverelay/internal/live"
	"github.com/ashureev/liverelay/internal/provider"
	"github.com/ashureev/liverelay/internal/registry"
	"github.com/ashureev/liverelay/internal/store"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	readLimit     = 64 << 10
	lookupTimeout = 2 * time.Second
	modelsTimeout = 5 * time.Second
)

// ProviderResolver selects enrichment backends for a session.
type ProviderResolver interface {
	Resolve(opts domain.ConnectionOptions) enrich.Providers
}

// ModelLister lists self-hosted models offered to clients.
type ModelLister interface {
	ListModels(ctx context.Context) ([]provider.Model, error)
}

// Config holds gateway tunables.
type Config struct {
	AllowedOrigin     string
	IsDev             bool
	ConnectTimeout    time.Duration
	ReconnectCooldown time.Duration
	ProviderTimeout   time.Duration
	QueueSize         int
}

// Deps are the collaborators shared by every client channel. Users and
// Models are optional.
type Deps struct {
	Connector live.Connector
	Limiter   *admission.Limiter
	Registry  *registry.Registry
	Providers ProviderResolver
	Models    ModelLister
	Users     store.UserLookup
	Hub       *Hub
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Handler upgrades client requests to websocket channels.
type Handler struct {
	cfg  Config
	deps Deps
}

// NewHandler creates a gateway handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.ReconnectCooldown <= 0 {
		cfg.ReconnectCooldown = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Limiter == nil {
		deps.Limiter = admission.NewLimiter(admission.Config{}, deps.Clock)
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Handler{cfg: cfg, deps: deps}
}

// Hub returns the hub that tracks this handler's clients.
func (h *Handler) Hub() *Hub { return h.deps.Hub }

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := identity.ClientIPFromContext(r.Context())
	if clientIP == "" {
		clientIP = identity.IPFromRequest(r)
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.deps.Logger.Error("Failed to accept WebSocket", "error", err, "ip", clientIP)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		id:       uuid.NewString(),
		identity: clientIP,
		h:        h,
		ctx:      ctx,
		logger:   h.deps.Logger.With("session_id", sessionID, "ip", clientIP),
	}
	c.logger = c.logger.With("client_id", c.id)
	c.out = newOutbox(ws, h.cfg.QueueSize, c.logger)
	c.out.start(ctx)

	h.deps.Hub.register(c)
	defer h.deps.Hub.unregister(c)

	c.logger.Info("Client channel opened")
	if h.deps.Models != nil {
		go c.sendModels()
	}

	c.readLoop(ctx, ws)

	c.close()
	cancel()
	c.out.shutdown(websocket.StatusNormalClosure, "session ended")
	c.out.wait()
	c.logger.Info("Client channel closed")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.deps.Logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

// clientOptions is the connect options object sent by browsers. Unknown
// keys are ignored.
type clientOptions struct {
	AIProvider       string `json:"aiProvider"`
	AIModel          string `json:"aiModel"`
	OpenAIAPIKey     string `json:"openaiApiKey"`
	EnableModeration *bool  `json:"enableModeration"`
	EnableResponse   *bool  `json:"enableResponse"`
	Reconnect        bool   `json:"reconnect"`
}

func parseOptions(raw json.RawMessage) domain.ConnectionOptions {
	opts := domain.DefaultConnectionOptions()
	if len(raw) == 0 {
		return opts
	}
	var co clientOptions
	if err := json.Unmarshal(raw, &co); err != nil {
		return opts
	}
	opts.Provider = domain.ParseProvider(co.AIProvider)
	opts.Model = co.AIModel
	opts.Credential = co.OpenAIAPIKey
	if co.EnableModeration != nil {
		opts.EnableModeration = *co.EnableModeration
	}
	if co.EnableResponse != nil {
		opts.EnableResponse = *co.EnableResponse
	}
	opts.Reconnect = co.Reconnect
	return opts
}
