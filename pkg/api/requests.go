package api

import (
	"github.com/go-playground/validator/v10"

	"github.com/streamplex/streamplex/pkg/logclient"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Mirrors the stream/session identifier constraint enforced on path
	// parameters.
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return logclient.ValidIdentifier(fl.Field().String())
	})
	return v
}

// SubscribeRequest is the body of POST /v1/subscribe.
type SubscribeRequest struct {
	SessionID   string `json:"sessionId" validate:"required,identifier"`
	StreamID    string `json:"streamId" validate:"required,identifier"`
	ContentType string `json:"contentType,omitempty"`
	Project     string `json:"project,omitempty" validate:"omitempty,identifier"`
}

// UnsubscribeRequest is the body of DELETE /v1/unsubscribe.
type UnsubscribeRequest struct {
	SessionID string `json:"sessionId" validate:"required,identifier"`
	StreamID  string `json:"streamId" validate:"required,identifier"`
	Project   string `json:"project,omitempty" validate:"omitempty,identifier"`
}
