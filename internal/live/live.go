// Package live defines the upstream live-session contract consumed by the
// relay. Implementations emit raw room events for one subscribed room.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/liverelay/internal/domain"
)

// EventType names a raw upstream event.
type EventType string

// Upstream event types.
const (
	EventRoomUser      EventType = "roomUser"
	EventChat          EventType = "chat"
	EventGift          EventType = "gift"
	EventSocial        EventType = "social"
	EventLike          EventType = "like"
	EventMember        EventType = "member"
	EventStreamEnd     EventType = "streamEnd"
	EventError         EventType = "error"
	EventQuestionNew   EventType = "questionNew"
	EventLinkMicBattle EventType = "linkMicBattle"
	EventLinkMicArmies EventType = "linkMicArmies"
	EventLiveIntro     EventType = "liveIntro"
	EventEmote         EventType = "emote"
	EventEnvelope      EventType = "envelope"
	EventSubscribe     EventType = "subscribe"
)

var passThrough = map[EventType]bool{
	EventRoomUser:      true,
	EventChat:          true,
	EventGift:          true,
	EventSocial:        true,
	EventLike:          true,
	EventMember:        true,
	EventStreamEnd:     true,
	EventQuestionNew:   true,
	EventLinkMicBattle: true,
	EventLinkMicArmies: true,
	EventLiveIntro:     true,
	EventEmote:         true,
	EventEnvelope:      true,
	EventSubscribe:     true,
}

// Forwarded reports whether events of this type are relayed to clients.
func (t EventType) Forwarded() bool { return passThrough[t] }

// ErrConnectRejected is returned when the upstream refuses a room subscription.
var ErrConnectRejected = errors.New("upstream rejected connection")

// Event is one raw upstream event. Chat is populated by the session wrapper
// for chat events; Data is always the untouched upstream payload.
type Event struct {
	Type EventType
	Data json.RawMessage
	Chat *domain.ChatMessage
}

// Stream is an established subscription to one live room.
type Stream interface {
	// Room returns the metadata captured during the handshake.
	Room() domain.RoomState

	// Events delivers upstream events in arrival order. The channel is closed
	// when the upstream connection ends for any reason.
	Events() <-chan Event

	// Close terminates the subscription. It is safe to call more than once.
	Close() error
}

// Connector opens upstream subscriptions. Connect must honor ctx cancellation.
type Connector interface {
	Connect(ctx context.Context, uniqueID string) (Stream, error)
}

type chatWire struct {
	MsgID             json.RawMessage `json:"msgId"`
	UserID            json.RawMessage `json:"userId"`
	UniqueID          string          `json:"uniqueId"`
	Nickname          string          `json:"nickname"`
	Comment           string          `json:"comment"`
	ProfilePictureURL string          `json:"profilePictureUrl"`
	CreateTime        json.RawMessage `json:"createTime"`
}

// DecodeChat parses an upstream chat payload. Ids may arrive as JSON strings
// or numbers; createTime is epoch milliseconds. A missing createTime uses now.
func DecodeChat(data json.RawMessage, now time.Time) (domain.ChatMessage, error) {
	var w chatWire
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("decode chat event: %w", err)
	}

	msg := domain.ChatMessage{
		MsgID:             scalarString(w.MsgID),
		UserID:            scalarString(w.UserID),
		UniqueID:          w.UniqueID,
		Nickname:          w.Nickname,
		Comment:           w.Comment,
		ProfilePictureURL: w.ProfilePictureURL,
		CreateTime:        now,
	}
	if ms, err := strconv.ParseInt(scalarString(w.CreateTime), 10, 64); err == nil && ms > 0 {
		msg.CreateTime = time.UnixMilli(ms)
	}
	return msg, nil
}

// ErrorInfo is the payload of an upstream error event.
type ErrorInfo struct {
	Info      string `json:"info"`
	Exception string `json:"exception"`
}

// DecodeError parses an upstream error payload, tolerating plain strings.
func DecodeError(data json.RawMessage) ErrorInfo {
	var info ErrorInfo
	if err := json.Unmarshal(data, &info); err == nil {
		return info
	}
	return ErrorInfo{Info: scalarString(data)}
}

func scalarString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}
