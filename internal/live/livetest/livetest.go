// Package livetest provides an in-memory live.Connector for tests.
package livetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ashureev/liverelay/internal/domain"
	"github.com/ashureev/liverelay/internal/live"
)

// Connector hands out in-memory streams. The zero value is ready to use.
type Connector struct {
	mu      sync.Mutex
	calls   int
	streams []*Stream
	notify  chan struct{}

	// Err, when set, fails every connect attempt after the gate opens.
	Err error
	// Gate, when set, holds every connect attempt until closed or ctx ends.
	Gate chan struct{}
	// IgnoreContext makes gated attempts wait for the gate even after ctx ends.
	IgnoreContext bool
	// Room seeds the handshake metadata of new streams.
	Room domain.RoomState
}

// Connect implements live.Connector.
func (c *Connector) Connect(ctx context.Context, uniqueID string) (live.Stream, error) {
	c.mu.Lock()
	c.calls++
	gate, err, ignore := c.Gate, c.Err, c.IgnoreContext
	c.mu.Unlock()

	if gate != nil {
		if ignore {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}

	room := c.Room
	room.UniqueID = uniqueID
	s := NewStream(room)

	c.mu.Lock()
	c.streams = append(c.streams, s)
	if c.notify != nil {
		close(c.notify)
		c.notify = nil
	}
	c.mu.Unlock()
	return s, nil
}

// Calls reports how many connect attempts were made.
func (c *Connector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Streams returns every stream handed out so far.
func (c *Connector) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}

// WaitStream waits until the n-th stream (zero based) exists.
func (c *Connector) WaitStream(n int, timeout time.Duration) (*Stream, bool) {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		if len(c.streams) > n {
			s := c.streams[n]
			c.mu.Unlock()
			return s, true
		}
		if c.notify == nil {
			c.notify = make(chan struct{})
		}
		ch := c.notify
		c.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return nil, false
		}
	}
}

// Stream is an in-memory live.Stream driven by the test.
type Stream struct {
	room   domain.RoomState
	mu     sync.Mutex
	ended  bool
	closed bool
	events chan live.Event
}

// NewStream creates a stream with room metadata.
func NewStream(room domain.RoomState) *Stream {
	return &Stream{room: room, events: make(chan live.Event, 1024)}
}

// Room implements live.Stream.
func (s *Stream) Room() domain.RoomState { return s.room }

// Events implements live.Stream.
func (s *Stream) Events() <-chan live.Event { return s.events }

// Close implements live.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End()
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers an event whose payload is v encoded as JSON. Events emitted
// after End are dropped.
func (s *Stream) Emit(typ live.EventType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- live.Event{Type: typ, Data: data}
}

// End simulates the upstream connection dropping.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}
