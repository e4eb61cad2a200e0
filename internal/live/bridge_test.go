package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newBridgeServer(t *testing.T, handle func(ctx context.Context, c *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handle(r.Context(), c, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBridgeConnectorDeliversEvents(t *testing.T) {
	t.Parallel()

	gotID := make(chan string, 1)
	url := newBridgeServer(t, func(ctx context.Context, c *websocket.Conn, r *http.Request) {
		gotID <- r.URL.Query().Get("uniqueId")
		_ = wsjson.Write(ctx, c, map[string]any{"event": "connected", "data": map[string]any{"roomId": "42", "viewerCount": 7}})
		_ = wsjson.Write(ctx, c, map[string]any{"event": "like", "data": map[string]any{"likeCount": 3}})
		_ = wsjson.Write(ctx, c, map[string]any{"event": "chat", "data": map[string]any{"msgId": "m1", "comment": "hey"}})
		c.Close(websocket.StatusNormalClosure, "")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewBridgeConnector(BridgeConfig{URL: url}, nil).Connect(ctx, "@alice")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer stream.Close()

	if id := <-gotID; id != "alice" {
		t.Errorf("bridge saw uniqueId %q, want alice", id)
	}
	room := stream.Room()
	if room.RoomID != "42" || room.UniqueID != "alice" || room.ViewerCount != 7 {
		t.Errorf("Room() = %+v", room)
	}

	var types []EventType
	for ev := range stream.Events() {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != EventLike || types[1] != EventChat {
		t.Errorf("event types = %v, want [like chat]", types)
	}
}

func TestBridgeConnectorRejected(t *testing.T) {
	t.Parallel()

	url := newBridgeServer(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		_ = wsjson.Write(ctx, c, map[string]any{"event": "error", "data": map[string]any{"info": "user is not live"}})
		time.Sleep(50 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewBridgeConnector(BridgeConfig{URL: url}, nil).Connect(ctx, "offline")
	if !errors.Is(err, ErrConnectRejected) {
		t.Fatalf("Connect() error = %v, want ErrConnectRejected", err)
	}
	if !strings.Contains(err.Error(), "user is not live") {
		t.Errorf("error %q does not carry the upstream reason", err)
	}
}

func TestBridgeConnectorRequiresUniqueID(t *testing.T) {
	t.Parallel()

	_, err := NewBridgeConnector(BridgeConfig{URL: "ws://127.0.0.1:1"}, nil).Connect(context.Background(), "  ")
	if !errors.Is(err, ErrConnectRejected) {
		t.Fatalf("Connect() error = %v, want ErrConnectRejected", err)
	}
}

func TestBridgeStreamCloseEndsEvents(t *testing.T) {
	t.Parallel()

	url := newBridgeServer(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		_ = wsjson.Write(ctx, c, map[string]any{"event": "connected", "data": map[string]any{"roomId": "1"}})
		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewBridgeConnector(BridgeConfig{URL: url}, nil).Connect(ctx, "alice")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = stream.Close()
	_ = stream.Close()

	select {
	case _, ok := <-stream.Events():
		if ok {
			t.Fatal("expected events channel to close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
}
