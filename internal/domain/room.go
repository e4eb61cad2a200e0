package domain

// RoomState is the metadata returned by the upstream on a successful connect.
type RoomState struct {
	RoomID              string         `json:"roomId"`
	UniqueID            string         `json:"uniqueId"`
	ViewerCount         int            `json:"viewerCount"`
	LikeCount           int            `json:"likeCount,omitempty"`
	UpgradedToWebsocket bool           `json:"upgradedToWebsocket,omitempty"`
	RoomInfo            map[string]any `json:"roomInfo,omitempty"`
}
