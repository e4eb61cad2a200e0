// Package domain contains core domain types for the live relay.
package domain

import (
	"time"
)

// EnrichmentStatus tracks one enrichment field of a chat message.
type EnrichmentStatus string

const (
	// EnrichmentPending means the provider call is in flight.
	EnrichmentPending EnrichmentStatus = "pending"
	// EnrichmentDone means the provider returned a result.
	EnrichmentDone EnrichmentStatus = "done"
	// EnrichmentSkipped means the feature is disabled or the provider failed.
	EnrichmentSkipped EnrichmentStatus = "skipped"
)

// ChatMessage is a single chat comment from a live room.
type ChatMessage struct {
	MsgID             string            `json:"msgId"`
	UserID            string            `json:"userId,omitempty"`
	UniqueID          string            `json:"uniqueId"`
	Nickname          string            `json:"nickname"`
	Comment           string            `json:"comment"`
	ProfilePictureURL string            `json:"profilePictureUrl,omitempty"`
	CreateTime        time.Time         `json:"createTime"`
	IsFriend          bool              `json:"isFriend,omitempty"`
	IsUndesirable     bool              `json:"isUndesirable,omitempty"`
	PendingModeration bool              `json:"pendingModeration"`
	PendingResponse   bool              `json:"pendingResponse"`
	ModerationStatus  EnrichmentStatus  `json:"moderationStatus,omitempty"`
	ResponseStatus    EnrichmentStatus  `json:"responseStatus,omitempty"`
	Moderation        *ModerationResult `json:"moderation,omitempty"`
	SuggestedResponse string            `json:"suggestedResponse,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m ChatMessage) Clone() ChatMessage {
	if m.Moderation != nil {
		mod := m.Moderation.Clone()
		m.Moderation = &mod
	}
	return m
}

// UpdateType names the enrichment field carried by a ChatUpdate.
type UpdateType string

const (
	// UpdateModeration carries a moderation outcome.
	UpdateModeration UpdateType = "moderation"
	// UpdateResponse carries a suggested response outcome.
	UpdateResponse UpdateType = "response"
)

// ChatUpdate is the terminal enrichment notification for one message field.
type ChatUpdate struct {
	ID   string      `json:"id"`
	Type UpdateType  `json:"type"`
	Data ChatMessage `json:"data"`
}
