// Package session wraps one upstream live subscription with admission,
// connection counting, timeout and zombie-prevention semantics.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/liverelay/internal/admission"
	"github.com/ashureev/liverelay/internal/domain"
	"github.com/ashureev/liverelay/internal/live"
	"github.com/ashureev/liverelay/internal/registry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultConnectTimeout bounds the upstream handshake.
const DefaultConnectTimeout = 15 * time.Second

var (
	// ErrAlreadyStarted is returned when Connect is called twice.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrConnectTimeout is reported when the handshake exceeds the timeout.
	ErrConnectTimeout = errors.New("connect timed out")
)

// State is the lifecycle state of a Wrapper.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool { return s == StateDisconnected || s == StateFailed }

// ReasonKind classifies why a session ended.
type ReasonKind string

const (
	ReasonConnectFailed      ReasonKind = "connect_failed"
	ReasonStreamEnd          ReasonKind = "stream_end"
	ReasonConnectionLost     ReasonKind = "connection_lost"
	ReasonClientDisconnected ReasonKind = "client_disconnected"
)

// Reason describes the end of a session.
type Reason struct {
	Kind    ReasonKind
	Message string
	Err     error
}

func (r Reason) String() string { return r.Message }

// Retryable reports whether reconnecting could succeed.
func (r Reason) Retryable() bool { return r.Kind != ReasonClientDisconnected }

// Listener receives session notifications. All callbacks run on the
// wrapper's own goroutine, in order, and never after OnDisconnected.
type Listener interface {
	OnConnected(room domain.RoomState)
	OnEvent(ev live.Event)
	OnDisconnected(reason Reason)
}

// Config holds the collaborators of a Wrapper. Zero values pick defaults.
type Config struct {
	ConnectTimeout time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
	Registry       *registry.Registry
	// Ticket is the admission slot held by this session. It is released
	// exactly once when the session ends.
	Ticket *admission.Ticket
}

// Wrapper owns a single upstream subscription for one room.
type Wrapper struct {
	uniqueID  string
	connector live.Connector
	timeout   time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	registry  *registry.Registry
	ticket    *admission.Ticket

	mu       sync.Mutex
	state    State
	listener Listener
	stream   live.Stream
	cancel   context.CancelFunc
	reason   Reason

	uncountOnce sync.Once
	counted     bool
	releaseOnce sync.Once
	doneOnce    sync.Once
	done        chan struct{}
}

// New creates an idle wrapper for uniqueID.
func New(uniqueID string, connector live.Connector, listener Listener, cfg Config) *Wrapper {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	return &Wrapper{
		uniqueID:  uniqueID,
		connector: connector,
		timeout:   cfg.ConnectTimeout,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("unique_id", uniqueID),
		registry:  cfg.Registry,
		ticket:    cfg.Ticket,
		listener:  listener,
		done:      make(chan struct{}),
	}
}

// UniqueID returns the room identifier this wrapper subscribes to.
func (w *Wrapper) UniqueID() string { return w.uniqueID }

// State returns the current lifecycle state.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done is closed once the wrapper has fully shut down.
func (w *Wrapper) Done() <-chan struct{} { return w.done }

// Connect starts the upstream handshake in the background. Outcomes are
// reported through the listener. ctx bounds the whole session lifetime.
func (w *Wrapper) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		st := w.state
		w.mu.Unlock()
		w.logger.Error("Connect called on a started session", "state", st.String())
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, st)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.state = StateConnecting
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(runCtx)
	return nil
}

// Disconnect ends the session. Resources are released before it returns;
// the disconnected notification follows asynchronously. Calling it more
// than once, or on an already ended session, is a no-op.
func (w *Wrapper) Disconnect() {
	w.mu.Lock()
	switch {
	case w.state.terminal():
		w.mu.Unlock()
		return
	case w.state == StateIdle:
		w.state = StateDisconnected
		w.listener = nil
		w.mu.Unlock()
		w.release()
		w.finishDone()
		return
	}
	w.state = StateDisconnected
	w.reason = Reason{Kind: ReasonClientDisconnected, Message: "client disconnected"}
	cancel := w.cancel
	stream := w.stream
	w.mu.Unlock()

	cancel()
	if stream != nil {
		if err := stream.Close(); err != nil {
			w.logger.Debug("Failed to close upstream", "error", err)
		}
	}
	w.uncount()
	w.release()
}

func (w *Wrapper) run(ctx context.Context) {
	defer w.finishDone()

	stream, err := w.handshake(ctx)
	if err != nil {
		w.end(StateFailed, Reason{Kind: ReasonConnectFailed, Message: err.Error(), Err: err})
		return
	}

	w.mu.Lock()
	if w.state != StateConnecting {
		// Disconnect raced the handshake; never leak the late upstream.
		w.mu.Unlock()
		w.logger.Info("Closing upstream established after disconnect")
		_ = stream.Close()
		w.end(StateDisconnected, Reason{})
		return
	}
	w.state = StateConnected
	w.stream = stream
	w.counted = true
	active := w.registry.Increment()
	w.mu.Unlock()

	room := stream.Room()
	w.logger.Info("Connected to live room", "room_id", room.RoomID, "active_upstreams", active)
	w.notify(func(l Listener) { l.OnConnected(room) })

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			w.end(StateDisconnected, Reason{Kind: ReasonClientDisconnected, Message: "session context ended"})
			return
		case ev, ok := <-events:
			if !ok {
				w.end(StateDisconnected, Reason{
					Kind:    ReasonConnectionLost,
					Message: "connection to the live room was lost",
				})
				return
			}
			if ctx.Err() != nil {
				continue
			}
			if !w.dispatch(ev) {
				w.end(StateDisconnected, Reason{Kind: ReasonStreamEnd, Message: "live stream ended by host"})
				return
			}
		}
	}
}

type connectResult struct {
	stream live.Stream
	err    error
}

// handshake waits for the connector, bounded by the connect timeout on the
// wrapper's clock. The bound holds even for a connector that ignores ctx; a
// stream it delivers after the wait ended is closed.
func (w *Wrapper) handshake(ctx context.Context) (live.Stream, error) {
	if w.uniqueID == "" {
		return nil, fmt.Errorf("%w: unique id is required", live.ErrConnectRejected)
	}
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan connectResult, 1)
	go func() {
		stream, err := w.connector.Connect(connectCtx, w.uniqueID)
		done <- connectResult{stream: stream, err: err}
	}()

	timer := w.clock.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.stream, r.err
	case <-timer.Chan():
		go w.closeLate(done)
		return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, w.timeout)
	case <-ctx.Done():
		go w.closeLate(done)
		return nil, ctx.Err()
	}
}

func (w *Wrapper) closeLate(done <-chan connectResult) {
	r := <-done
	if r.stream == nil {
		return
	}
	w.logger.Info("Closing upstream established after handshake ended")
	if err := r.stream.Close(); err != nil {
		w.logger.Debug("Failed to close late upstream", "error", err)
	}
}

// dispatch forwards one event and reports whether the stream continues.
func (w *Wrapper) dispatch(ev live.Event) bool {
	switch ev.Type {
	case live.EventError:
		info := live.DecodeError(ev.Data)
		w.logger.Warn("Upstream error", "info", info.Info, "exception", info.Exception)
		return true
	case live.EventChat:
		msg, err := live.DecodeChat(ev.Data, w.clock.Now())
		if err != nil {
			w.logger.Warn("Dropping undecodable chat event", "error", err)
			return true
		}
		if msg.MsgID == "" {
			msg.MsgID = uuid.NewString()
		}
		ev.Chat = &msg
	}

	w.notify(func(l Listener) { l.OnEvent(ev) })
	return ev.Type != live.EventStreamEnd
}

func (w *Wrapper) notify(fn func(Listener)) {
	w.mu.Lock()
	l := w.listener
	w.mu.Unlock()
	if l != nil {
		fn(l)
	}
}

// end moves the wrapper to a terminal state, releases its resources and
// emits the single disconnected notification. A state already set by
// Disconnect takes precedence over the given one.
func (w *Wrapper) end(state State, reason Reason) {
	w.mu.Lock()
	if w.state.terminal() {
		reason = w.reason
	} else {
		w.state = state
		w.reason = reason
	}
	stream := w.stream
	l := w.listener
	w.listener = nil
	w.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	w.uncount()
	w.release()

	switch reason.Kind {
	case ReasonConnectFailed:
		w.logger.Warn("Live connect failed", "error", reason.Message)
	case "":
		return
	default:
		w.logger.Info("Live session ended", "reason", string(reason.Kind), "message", reason.Message)
	}
	if l != nil {
		l.OnDisconnected(reason)
	}
}

func (w *Wrapper) uncount() {
	w.mu.Lock()
	counted := w.counted
	w.mu.Unlock()
	if !counted {
		return
	}
	w.uncountOnce.Do(func() {
		w.registry.Decrement()
	})
}

func (w *Wrapper) release() {
	w.releaseOnce.Do(w.ticket.Release)
}

func (w *Wrapper) finishDone() {
	w.doneOnce.Do(func() { close(w.done) })
}
