package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/liverelay/internal/admission"
	"github.com/ashureev/liverelay/internal/domain"
	"github.com/ashureev/liverelay/internal/enrich"
	"github.com/ashureev/liverelay/internal/live"
	"github.com/ashureev/liverelay/internal/live/livetest"
	"github.com/ashureev/liverelay/internal/provider"
	"github.com/ashureev/liverelay/internal/registry"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
)

const waitTimeout = 3 * time.Second

type stubResolver struct{ providers enrich.Providers }

func (s stubResolver) Resolve(domain.ConnectionOptions) enrich.Providers { return s.providers }

type stubModerator struct{}

func (stubModerator) Moderate(context.Context, string) (*domain.ModerationResult, error) {
	return &domain.ModerationResult{
		Flagged:        true,
		Categories:     map[string]bool{"harassment": true},
		CategoryScores: map[string]float64{"harassment": 0.9},
	}, nil
}

type stubResponder struct{}

func (stubResponder) Respond(context.Context, string) (string, error) {
	return "<think>plan</think>Merci !", nil
}

type responderFunc func(ctx context.Context, prompt string) (string, error)

func (f responderFunc) Respond(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type stubUsers struct {
	mu       sync.Mutex
	statuses map[string]domain.UserStatus
}

func (s *stubUsers) IsFriend(ctx context.Context, id string) (bool, error) {
	st, err := s.Status(ctx, id)
	return st.IsFriend, err
}

func (s *stubUsers) IsUndesirable(ctx context.Context, id string) (bool, error) {
	st, err := s.Status(ctx, id)
	return st.IsUndesirable, err
}

func (s *stubUsers) Status(_ context.Context, id string) (domain.UserStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[id]
	st.UniqueID = id
	return st, nil
}

type stubModels struct{ models []provider.Model }

func (s stubModels) ListModels(context.Context) ([]provider.Model, error) { return s.models, nil }

type fixture struct {
	connector *livetest.Connector
	clock     *clockwork.FakeClock
	reg       *registry.Registry
	limiter   *admission.Limiter
	handler   *Handler
	srv       *httptest.Server
}

func newFixture(t *testing.T, limits admission.Config, mutate func(*Config, *Deps)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &fixture{
		connector: &livetest.Connector{Room: domain.RoomState{RoomID: "room-1", ViewerCount: 12}},
		clock:     clock,
		reg:       registry.New(),
		limiter:   admission.NewLimiter(limits, clock),
	}
	cfg := Config{
		IsDev:             true,
		ConnectTimeout:    time.Hour,
		ReconnectCooldown: 30 * time.Second,
		ProviderTimeout:   time.Second,
	}
	deps := Deps{
		Connector: f.connector,
		Limiter:   f.limiter,
		Registry:  f.reg,
		Providers: stubResolver{enrich.Providers{Moderator: stubModerator{}, Responder: stubResponder{}}},
		Users: &stubUsers{statuses: map[string]domain.UserStatus{
			"viewer": {IsFriend: true},
		}},
		Clock: clock,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	f.handler = NewHandler(cfg, deps)
	f.srv = httptest.NewServer(f.handler)
	t.Cleanup(f.srv.Close)
	return f
}

func openLimits() admission.Config {
	return admission.Config{Enabled: true, MaxPerClient: 10, MaxGlobal: 100, MaxRequests: 100}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readEvent skips frames until one named want arrives. Frames named in
// forbidden fail the test.
func readEvent(t *testing.T, conn *websocket.Conn, want string, forbidden ...string) frame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		for _, name := range forbidden {
			if f.Event == name {
				t.Fatalf("unexpected %s frame while waiting for %s: %s", name, want, f.Data)
			}
		}
		if f.Event == want {
			return f
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func connectRoom(t *testing.T, f *fixture, conn *websocket.Conn, uniqueID string, options map[string]any) domain.RoomState {
	t.Helper()
	send(t, conn, "setUniqueId", map[string]any{"uniqueId": uniqueID, "options": options})
	fr := readEvent(t, conn, "tiktokConnected", "tiktokDisconnected")
	var room domain.RoomState
	if err := json.Unmarshal(fr.Data, &room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	return room
}

func TestGatewayRelaysChatBeforeEnrichment(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), nil)
	conn := f.dial(t)

	room := connectRoom(t, f, conn, "streamer", nil)
	if room.UniqueID != "streamer" || room.RoomID != "room-1" {
		t.Fatalf("unexpected room state: %+v", room)
	}
	stream, ok := f.connector.WaitStream(0, waitTimeout)
	if !ok {
		t.Fatal("no upstream stream")
	}

	stream.Emit(live.EventChat, map[string]any{
		"msgId": "m1", "uniqueId": "viewer", "nickname": "Viewer",
		"comment": "hello", "createTime": "1700000000000",
	})
	stream.Emit(live.EventLike, map[string]any{"likeCount": 3})

	var order []string
	updates := map[domain.UpdateType]domain.ChatUpdate{}
	for len(updates) < 2 || len(order) < 2 {
		fr := readFrame(t, conn)
		switch fr.Event {
		case "chat":
			var msg domain.ChatMessage
			if err := json.Unmarshal(fr.Data, &msg); err != nil {
				t.Fatalf("decode chat: %v", err)
			}
			if msg.MsgID != "m1" || !msg.IsFriend {
				t.Errorf("chat = %+v, want m1 annotated as friend", msg)
			}
			if !msg.PendingModeration || !msg.PendingResponse {
				t.Errorf("chat should be pending enrichment: %+v", msg)
			}
			order = append(order, fr.Event)
		case "like":
			order = append(order, fr.Event)
		case "chatUpdate":
			var u domain.ChatUpdate
			if err := json.Unmarshal(fr.Data, &u); err != nil {
				t.Fatalf("decode update: %v", err)
			}
			if u.ID != "m1" {
				t.Errorf("update id = %q, want m1", u.ID)
			}
			updates[u.Type] = u
		}
	}

	if order[0] != "chat" || order[1] != "like" {
		t.Errorf("event order = %v, want [chat like]", order)
	}
	if mod := updates[domain.UpdateModeration].Data.Moderation; mod == nil || !mod.Flagged {
		t.Errorf("moderation update = %+v, want flagged", updates[domain.UpdateModeration].Data)
	}
	if got := updates[domain.UpdateResponse].Data.SuggestedResponse; got != "Merci !" {
		t.Errorf("suggested response = %q, want %q", got, "Merci !")
	}
	if got := f.reg.Count(); got != 1 {
		t.Errorf("registry count = %d, want 1", got)
	}
}

func TestGatewayAdmissionRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, admission.Config{Enabled: true, MaxPerClient: 1, MaxGlobal: 10, MaxRequests: 10}, nil)

	first := f.dial(t)
	connectRoom(t, f, first, "streamer", nil)

	second := f.dial(t)
	send(t, second, "setUniqueId", map[string]any{"uniqueId": "other"})
	fr := readEvent(t, second, "tiktokDisconnected", "tiktokConnected")

	var msg string
	if err := json.Unmarshal(fr.Data, &msg); err != nil {
		t.Fatalf("decode reason: %v", err)
	}
	if msg != admission.RejectedMessage {
		t.Errorf("reason = %q, want the admission message", msg)
	}
	if got := f.connector.Calls(); got != 1 {
		t.Errorf("connector calls = %d, want 1", got)
	}
}

func TestGatewayClientCloseReleasesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), nil)
	conn := f.dial(t)
	connectRoom(t, f, conn, "streamer", nil)

	stream, ok := f.connector.WaitStream(0, waitTimeout)
	if !ok {
		t.Fatal("no upstream stream")
	}
	waitUntil(t, "registry increment", func() bool { return f.reg.Count() == 1 })

	conn.Close(websocket.StatusNormalClosure, "bye")

	waitUntil(t, "upstream close", stream.Closed)
	waitUntil(t, "registry release", func() bool { return f.reg.Count() == 0 })
	waitUntil(t, "admission release", func() bool { return f.limiter.Global() == 0 })
	waitUntil(t, "hub unregister", func() bool { return f.handler.Hub().Count() == 0 })
}

func TestGatewayReconnectAfterCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), nil)
	conn := f.dial(t)
	connectRoom(t, f, conn, "streamer", map[string]any{"reconnect": true})

	stream, ok := f.connector.WaitStream(0, waitTimeout)
	if !ok {
		t.Fatal("no upstream stream")
	}
	stream.End()

	readEvent(t, conn, "tiktokDisconnected")
	fr := readEvent(t, conn, "reconnecting")
	var r reconnecting
	if err := json.Unmarshal(fr.Data, &r); err != nil {
		t.Fatalf("decode reconnecting: %v", err)
	}
	if r.UniqueID != "streamer" || r.DelaySeconds != 30 {
		t.Errorf("reconnecting = %+v", r)
	}
	if got := f.connector.Calls(); got != 1 {
		t.Fatalf("connector calls before cooldown = %d, want 1", got)
	}

	f.clock.Advance(30 * time.Second)

	if _, ok := f.connector.WaitStream(1, waitTimeout); !ok {
		t.Fatal("no reconnect after cooldown")
	}
	readEvent(t, conn, "tiktokConnected")
}

func TestGatewayClientDisconnectDoesNotReconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), nil)
	conn := f.dial(t)
	connectRoom(t, f, conn, "streamer", map[string]any{"reconnect": true})

	stream, ok := f.connector.WaitStream(0, waitTimeout)
	if !ok {
		t.Fatal("no upstream stream")
	}

	send(t, conn, "disconnect", nil)
	readEvent(t, conn, "tiktokDisconnected")
	if !stream.Closed() {
		t.Error("upstream should be closed after disconnect")
	}

	send(t, conn, "ping", nil)
	readEvent(t, conn, "pong", "reconnecting")
}

func TestGatewayReplacesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), nil)
	conn := f.dial(t)
	connectRoom(t, f, conn, "first", nil)

	send(t, conn, "setUniqueId", map[string]any{"uniqueId": "second"})
	fr := readEvent(t, conn, "tiktokConnected", "tiktokDisconnected")
	var room domain.RoomState
	if err := json.Unmarshal(fr.Data, &room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if room.UniqueID != "second" {
		t.Errorf("connected to %q, want second", room.UniqueID)
	}

	streams := f.connector.Streams()
	if len(streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(streams))
	}
	if !streams[0].Closed() {
		t.Error("replaced upstream should be closed")
	}
	waitUntil(t, "single active upstream", func() bool { return f.reg.Count() == 1 })
	waitUntil(t, "single admission slot", func() bool { return f.limiter.Global() == 1 })
}

func TestGatewayReplacedSessionDropsPendingUpdates(t *testing.T) {
	t.Parallel()
	cancelled := make(chan struct{})
	responder := responderFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	})
	f := newFixture(t, openLimits(), func(_ *Config, d *Deps) {
		d.Providers = stubResolver{enrich.Providers{Responder: responder}}
	})
	conn := f.dial(t)
	connectRoom(t, f, conn, "first", map[string]any{"enableModeration": false})

	stream, ok := f.connector.WaitStream(0, waitTimeout)
	if !ok {
		t.Fatal("no upstream stream")
	}
	stream.Emit(live.EventChat, map[string]any{"msgId": "m1", "uniqueId": "viewer", "comment": "hello"})
	readEvent(t, conn, "chat")

	send(t, conn, "setUniqueId", map[string]any{"uniqueId": "second"})
	readEvent(t, conn, "tiktokConnected", "chatUpdate")

	select {
	case <-cancelled:
	case <-time.After(waitTimeout):
		t.Fatal("replaced pipeline was not cancelled")
	}
	time.Sleep(50 * time.Millisecond)

	send(t, conn, "ping", nil)
	readEvent(t, conn, "pong", "chatUpdate")
}

func TestGatewayUserStatusAndPing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), nil)
	conn := f.dial(t)

	send(t, conn, "getUserStatus", map[string]any{"uniqueId": "viewer"})
	fr := readEvent(t, conn, "userStatus")
	var st domain.UserStatus
	if err := json.Unmarshal(fr.Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.UniqueID != "viewer" || !st.IsFriend || st.IsUndesirable {
		t.Errorf("status = %+v", st)
	}

	send(t, conn, "ping", nil)
	readEvent(t, conn, "pong")
}

func TestGatewaySendsModelsOnOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), func(_ *Config, d *Deps) {
		d.Models = stubModels{models: []provider.Model{{Name: "llama3"}}}
	})
	conn := f.dial(t)

	fr := readEvent(t, conn, "ollamaModels")
	var models []provider.Model
	if err := json.Unmarshal(fr.Data, &models); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3" {
		t.Errorf("models = %+v", models)
	}
}

func TestGatewayStatisticBroadcast(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), nil)
	conn := f.dial(t)
	waitUntil(t, "hub register", func() bool { return f.handler.Hub().Count() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.handler.Hub().StartStatisticWorker(ctx, f.clock, 2*time.Second, f.reg)

	bctx, bcancel := context.WithTimeout(ctx, waitTimeout)
	defer bcancel()
	if err := f.clock.BlockUntilContext(bctx, 1); err != nil {
		t.Fatalf("ticker not registered: %v", err)
	}
	f.clock.Advance(2 * time.Second)

	fr := readEvent(t, conn, "statistic")
	var stat Statistic
	if err := json.Unmarshal(fr.Data, &stat); err != nil {
		t.Fatalf("decode statistic: %v", err)
	}
	if stat.GlobalConnectionCount != 0 {
		t.Errorf("global count = %d, want 0", stat.GlobalConnectionCount)
	}
}

func TestGatewayRejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, openLimits(), func(c *Config, _ *Deps) {
		c.IsDev = false
		c.AllowedOrigin = "https://relay.example"
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http"), &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	got := parseOptions(nil)
	if got != domain.DefaultConnectionOptions() {
		t.Errorf("nil options = %+v, want defaults", got)
	}

	got = parseOptions(json.RawMessage(`{"aiProvider":"Ollama","aiModel":"llama3","enableModeration":false,"reconnect":true,"extra":1}`))
	want := domain.ConnectionOptions{
		Provider:         domain.ProviderOllama,
		Model:            "llama3",
		EnableModeration: false,
		EnableResponse:   true,
		Reconnect:        true,
	}
	if got != want {
		t.Errorf("parseOptions = %+v, want %+v", got, want)
	}

	got = parseOptions(json.RawMessage(`not json`))
	if got != domain.DefaultConnectionOptions() {
		t.Errorf("malformed options = %+v, want defaults", got)
	}
}

func TestEncodeFrame(t *testing.T) {
	t.Parallel()

	b, err := encodeFrame("pong", nil)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if string(b) != `{"event":"pong"}` {
		t.Errorf("frame = %s", b)
	}

	b, err = encodeFrame("like", json.RawMessage(`{"likeCount":3}`))
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if string(b) != `{"event":"like","data":{"likeCount":3}}` {
		t.Errorf("frame = %s", b)
	}
}
