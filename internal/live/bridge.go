package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ashureev/liverelay/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var errUnexpectedHandshake = errors.New("unexpected handshake frame")

// BridgeConfig configures the websocket connection to the live-protocol bridge.
type BridgeConfig struct {
	URL       string
	SessionID string
	ReadLimit int64
	Buffer    int
}

// bridgeFrame is the envelope spoken by the bridge in both directions.
type bridgeFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// BridgeConnector subscribes to rooms through a live-protocol bridge service.
// The bridge owns the proprietary wire format and relays decoded events as
// JSON frames over a websocket, one websocket per room subscription.
type BridgeConnector struct {
	cfg    BridgeConfig
	logger *slog.Logger
}

// NewBridgeConnector creates a connector for the bridge at cfg.URL.
func NewBridgeConnector(cfg BridgeConfig, logger *slog.Logger) *BridgeConnector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &BridgeConnector{cfg: cfg, logger: logger}
}

// Connect dials the bridge and waits for its connected or error frame.
func (b *BridgeConnector) Connect(ctx context.Context, uniqueID string) (Stream, error) {
	uniqueID = strings.TrimPrefix(strings.TrimSpace(uniqueID), "@")
	if uniqueID == "" {
		return nil, fmt.Errorf("%w: unique id is required", ErrConnectRejected)
	}

	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	q := u.Query()
	q.Set("uniqueId", uniqueID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if b.cfg.SessionID != "" {
		header.Set("X-Live-Session-Id", b.cfg.SessionID)
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial live bridge: %w", err)
	}
	conn.SetReadLimit(b.cfg.ReadLimit)

	var first bridgeFrame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("read bridge handshake: %w", err)
	}

	switch EventType(first.Event) {
	case "connected":
		var room domain.RoomState
		if err := json.Unmarshal(first.Data, &room); err != nil {
			_ = conn.CloseNow()
			return nil, fmt.Errorf("decode room state: %w", err)
		}
		if room.UniqueID == "" {
			room.UniqueID = uniqueID
		}
		s := newBridgeStream(conn, room, b.cfg.Buffer, b.logger)
		go s.readLoop()
		return s, nil
	case EventError:
		_ = conn.Close(websocket.StatusNormalClosure, "handshake rejected")
		info := DecodeError(first.Data)
		return nil, fmt.Errorf("%w: %s", ErrConnectRejected, info.Info)
	default:
		_ = conn.CloseNow()
		return nil, fmt.Errorf("%w: %q", errUnexpectedHandshake, first.Event)
	}
}

type bridgeStream struct {
	conn   *websocket.Conn
	room   domain.RoomState
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	logger *slog.Logger
}

func newBridgeStream(conn *websocket.Conn, room domain.RoomState, buffer int, logger *slog.Logger) *bridgeStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &bridgeStream{
		conn:   conn,
		room:   room,
		events: make(chan Event, buffer),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

func (s *bridgeStream) Room() domain.RoomState { return s.room }

func (s *bridgeStream) Events() <-chan Event { return s.events }

func (s *bridgeStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "client disconnected")
	})
	return err
}

func (s *bridgeStream) readLoop() {
	defer close(s.events)
	for {
		var frame bridgeFrame
		if err := wsjson.Read(s.ctx, s.conn, &frame); err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				s.logger.Warn("Live bridge read error", "error", err, "unique_id", s.room.UniqueID)
			}
			return
		}
		if frame.Event == "" {
			continue
		}
		select {
		case s.events <- Event{Type: EventType(frame.Event), Data: frame.Data}:
		case <-s.ctx.Done():
			return
		}
	}
}
