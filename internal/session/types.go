package session

import "time"

// CreateRequest defines payload for creating a new call.
type CreateRequest struct {
	BusinessID string `json:"business_id"`
}

// CreateResponse returns created call metadata.
type CreateResponse struct {
	CallID          string    `json:"call_id"`
	BusinessID      string    `json:"business_id"`
	BusinessName    string    `json:"business_name"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WebsocketPath   string    `json:"websocket_path"`
}

// EndRequest is the optional body of an end-call request.
type EndRequest struct {
	Reason string `json:"reason"`
}
