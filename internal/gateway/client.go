package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/liverelay/internal/admission"
	"github.com/ashureev/liverelay/internal/domain"
	"github.com/ashureev/liverelay/internal/enrich"
	"github.com/ashureev/liverelay/internal/live"
	"github.com/ashureev/liverelay/internal/session"
	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
)

// client is one browser channel. It owns at most one live binding.
type client struct {
	id       string
	identity string
	h        *Handler
	ctx      context.Context
	out      *outbox
	logger   *slog.Logger

	mu        sync.Mutex
	current   *binding
	reconnect clockwork.Timer
	closed    bool
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type connectRequest struct {
	UniqueID string          `json:"uniqueId"`
	Options  json.RawMessage `json:"options"`
}

type statusRequest struct {
	UniqueID string `json:"uniqueId"`
}

type reconnecting struct {
	UniqueID     string  `json:"uniqueId"`
	DelaySeconds float64 `json:"delaySeconds"`
}

func (c *client) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				c.logger.Debug("WebSocket closed by client")
			} else {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("Ignoring malformed client frame", "error", err)
			continue
		}

		switch msg.Event {
		case "setUniqueId":
			var req connectRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.out.send("tiktokDisconnected", "invalid connect request")
				continue
			}
			c.connect(req.UniqueID, parseOptions(req.Options))
		case "disconnect":
			c.disconnect()
		case "getUserStatus":
			var req statusRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.UniqueID == "" {
				continue
			}
			go c.sendUserStatus(req.UniqueID)
		case "ping":
			c.out.send("pong", nil)
		default:
			c.logger.Debug("Ignoring unknown client event", "event", msg.Event)
		}
	}
}

// connect replaces any current binding with a new session for uniqueID.
func (c *client) connect(uniqueID string, opts domain.ConnectionOptions) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopReconnectLocked()
	prev := c.current
	c.current = nil
	c.mu.Unlock()

	if prev != nil {
		c.logger.Info("Replacing live session", "previous", prev.uniqueID, "next", uniqueID)
		prev.wrapper.Disconnect()
	}

	ticket, ok := c.h.deps.Limiter.TryAdmit(c.identity)
	if !ok {
		c.logger.Warn("Connection rejected by admission limiter", "unique_id", uniqueID)
		c.out.send("tiktokDisconnected", admission.RejectedMessage)
		return
	}

	b := c.newBinding(uniqueID, opts, ticket)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		b.wrapper.Disconnect()
		b.pipeline.Close()
		return
	}
	other := c.current
	c.current = b
	c.mu.Unlock()

	if other != nil {
		other.wrapper.Disconnect()
	}
	if err := b.wrapper.Connect(c.ctx); err != nil {
		c.logger.Error("Failed to start live session", "unique_id", uniqueID, "error", err)
	}
}

func (c *client) newBinding(uniqueID string, opts domain.ConnectionOptions, ticket *admission.Ticket) *binding {
	d := c.h.deps
	b := &binding{client: c, uniqueID: uniqueID, opts: opts}

	var providers enrich.Providers
	if d.Providers != nil {
		providers = d.Providers.Resolve(opts)
	}
	b.pipeline = enrich.New(b, enrich.Config{
		Options:   opts,
		Providers: providers,
		Timeout:   c.h.cfg.ProviderTimeout,
		Logger:    c.logger.With("unique_id", uniqueID),
	})
	b.wrapper = session.New(uniqueID, d.Connector, b, session.Config{
		ConnectTimeout: c.h.cfg.ConnectTimeout,
		Clock:          d.Clock,
		Logger:         c.logger,
		Registry:       d.Registry,
		Ticket:         ticket,
	})
	return b
}

// disconnect ends the current binding at the client's request.
func (c *client) disconnect() {
	c.mu.Lock()
	c.stopReconnectLocked()
	cur := c.current
	c.mu.Unlock()

	if cur != nil {
		cur.wrapper.Disconnect()
	}
}

// close tears down everything owned by the channel. The current binding's
// disconnected notification is not forwarded.
func (c *client) close() {
	c.mu.Lock()
	c.closed = true
	c.stopReconnectLocked()
	cur := c.current
	c.current = nil
	c.mu.Unlock()

	if cur != nil {
		cur.wrapper.Disconnect()
	}
}

func (c *client) scheduleReconnect(uniqueID string, opts domain.ConnectionOptions) {
	cooldown := c.h.cfg.ReconnectCooldown

	c.mu.Lock()
	if c.closed || c.current != nil {
		c.mu.Unlock()
		return
	}
	c.stopReconnectLocked()
	c.reconnect = c.h.deps.Clock.AfterFunc(cooldown, func() {
		c.logger.Info("Reconnecting live session", "unique_id", uniqueID)
		c.connect(uniqueID, opts)
	})
	c.mu.Unlock()

	c.out.send("reconnecting", reconnecting{UniqueID: uniqueID, DelaySeconds: cooldown.Seconds()})
}

func (c *client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// release clears b as the current binding and reports whether it was current.
func (c *client) release(b *binding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != b {
		return false
	}
	c.current = nil
	return true
}

func (c *client) isCurrent(b *binding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == b
}

func (c *client) sendModels() {
	ctx, cancel := context.WithTimeout(c.ctx, modelsTimeout)
	defer cancel()

	models, err := c.h.deps.Models.ListModels(ctx)
	if err != nil {
		c.logger.Debug("Model listing unavailable", "error", err)
		return
	}
	c.out.send("ollamaModels", models)
}

func (c *client) sendUserStatus(uniqueID string) {
	status := domain.UserStatus{UniqueID: uniqueID}
	if users := c.h.deps.Users; users != nil {
		ctx, cancel := context.WithTimeout(c.ctx, lookupTimeout)
		st, err := users.Status(ctx, uniqueID)
		cancel()
		if err != nil {
			c.logger.Warn("User status lookup failed", "unique_id", uniqueID, "error", err)
		} else {
			status = st
		}
	}
	c.out.send("userStatus", status)
}

func (c *client) lookupStatus(uniqueID string) (domain.UserStatus, bool) {
	users := c.h.deps.Users
	if users == nil || uniqueID == "" {
		return domain.UserStatus{}, false
	}
	ctx, cancel := context.WithTimeout(c.ctx, lookupTimeout)
	defer cancel()
	st, err := users.Status(ctx, uniqueID)
	if err != nil {
		c.logger.Debug("User status lookup failed", "unique_id", uniqueID, "error", err)
		return domain.UserStatus{}, false
	}
	return st, true
}

// binding ties one session wrapper and its pipeline to a client. It is the
// wrapper's listener and the pipeline's sink.
type binding struct {
	client   *client
	uniqueID string
	opts     domain.ConnectionOptions
	wrapper  *session.Wrapper
	pipeline *enrich.Pipeline
}

func (b *binding) OnConnected(room domain.RoomState) {
	if !b.client.isCurrent(b) {
		return
	}
	b.client.out.send("tiktokConnected", room)
}

func (b *binding) OnEvent(ev live.Event) {
	if !ev.Type.Forwarded() || !b.client.isCurrent(b) {
		return
	}
	c := b.client

	switch ev.Type {
	case live.EventChat:
		if ev.Chat == nil {
			return
		}
		msg := *ev.Chat
		if st, ok := c.lookupStatus(msg.UniqueID); ok {
			msg.IsFriend, msg.IsUndesirable = st.IsFriend, st.IsUndesirable
		}
		if err := b.pipeline.Submit(msg); err != nil {
			c.logger.Error("Chat message rejected by pipeline", "msg_id", msg.MsgID, "error", err)
		}
		return
	case live.EventMember:
		c.out.send(string(ev.Type), b.annotateMember(ev.Data))
		return
	}
	c.out.send(string(ev.Type), ev.Data)
}

func (b *binding) annotateMember(data json.RawMessage) json.RawMessage {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data
	}
	uniqueID, _ := payload["uniqueId"].(string)
	st, ok := b.client.lookupStatus(uniqueID)
	if !ok {
		return data
	}
	payload["isFriend"] = st.IsFriend
	payload["isUndesirable"] = st.IsUndesirable
	out, err := json.Marshal(payload)
	if err != nil {
		return data
	}
	return out
}

func (b *binding) OnDisconnected(reason session.Reason) {
	b.pipeline.Close()

	c := b.client
	if !c.release(b) {
		return
	}
	c.out.send("tiktokDisconnected", reason.Message)

	if b.opts.Reconnect && reason.Retryable() && reason.Kind != session.ReasonConnectFailed {
		c.scheduleReconnect(b.uniqueID, b.opts)
	}
}

// Chat implements enrich.Sink.
func (b *binding) Chat(msg domain.ChatMessage) {
	if !b.client.isCurrent(b) {
		return
	}
	b.client.out.send("chat", msg)
}

// Update implements enrich.Sink. Updates of a replaced or closed binding are
// dropped; OnDisconnected drains the pipeline before releasing the binding,
// so a session that ends on its own still delivers them.
func (b *binding) Update(u domain.ChatUpdate) {
	if !b.client.isCurrent(b) {
		return
	}
	b.client.out.send("chatUpdate", u)
}
