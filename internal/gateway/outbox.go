package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 10 * time.Second
)

// envelope is the frame format spoken on the client channel.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}

// outbox serializes writes to one websocket. Producers never block; a
// client whose queue overflows is disconnected.
type outbox struct {
	conn   *websocket.Conn
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newOutbox(conn *websocket.Conn, size int, logger *slog.Logger) *outbox {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &outbox{
		conn:   conn,
		queue:  make(chan []byte, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// start launches the writer goroutine.
func (o *outbox) start(ctx context.Context) {
	o.wg.Add(1)
	go o.run(ctx)
}

func (o *outbox) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case frame := <-o.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := o.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					o.logger.Debug("WebSocket write error", "error", err)
				}
				o.shutdown(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// send queues one event. It reports false once the outbox is closed.
func (o *outbox) send(event string, data any) bool {
	frame, err := encodeFrame(event, data)
	if err != nil {
		o.logger.Error("Failed to encode frame", "event", event, "error", err)
		return false
	}
	return o.sendFrame(frame)
}

func (o *outbox) sendFrame(frame []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}

	select {
	case o.queue <- frame:
		return true
	case <-o.done:
		return false
	default:
		o.logger.Warn("Client send queue full, disconnecting slow consumer", "queue_len", len(o.queue))
		o.shutdown(websocket.StatusPolicyViolation, "send queue overflow")
		return false
	}
}

// shutdown stops accepting frames and closes the socket. Safe to call
// from any goroutine, any number of times.
func (o *outbox) shutdown(code websocket.StatusCode, reason string) {
	o.once.Do(func() {
		close(o.done)
		go func() {
			_ = o.conn.Close(code, reason)
		}()
	})
}

// wait blocks until the writer goroutine has exited.
func (o *outbox) wait() {
	o.wg.Wait()
}
