package domain

import "time"

// Connection is one live WebSocket session owned by a single user.
type Connection struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	Domain       string    `json:"domain,omitempty"`
	Stage        string    `json:"stage,omitempty"`
}
