package domain

import (
	"time"
)

// User is a viewer tracked in the friend/undesirable lists.
type User struct {
	TikTokID      string    `json:"tiktok_id"`
	Nickname      string    `json:"nickname"`
	IsFriend      bool      `json:"is_friend"`
	IsUndesirable bool      `json:"is_undesirable"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserStatus is the list membership of a single viewer.
type UserStatus struct {
	UniqueID      string `json:"uniqueId"`
	IsFriend      bool   `json:"isFriend"`
	IsUndesirable bool   `json:"isUndesirable"`
	Reason        string `json:"reason,omitempty"`
}
