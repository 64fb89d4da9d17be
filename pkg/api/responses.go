package api

import "time"

// SubscribeResponse is the body of a successful subscribe.
type SubscribeResponse struct {
	SessionID         string    `json:"sessionId"`
	StreamID          string    `json:"streamId"`
	SessionStreamPath string    `json:"sessionStreamPath"`
	ExpiresAt         time.Time `json:"expiresAt"`
	IsNewSession      bool      `json:"isNewSession"`
}

// UnsubscribeResponse is the body of a successful unsubscribe.
type UnsubscribeResponse struct {
	Unsubscribed bool `json:"unsubscribed"`
}

// TouchResponse is the body of a session touch.
type TouchResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DeleteSessionResponse is the body of a session delete.
type DeleteSessionResponse struct {
	SessionID string `json:"sessionId"`
	Deleted   bool   `json:"deleted"`
}
