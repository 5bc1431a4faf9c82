// Package ingest turns raw error reports into deduplicated incidents.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrorReport is the inbound payload delivered by an app's
// instrumentation snippet.
type ErrorReport struct {
	WebhookKey string          `json:"webhook_key" validate:"required"`
	Type       string          `json:"type" validate:"required"`
	Source     string          `json:"source" validate:"required,oneof=server client build monitor"`
	Message    string          `json:"message" validate:"required"`
	StackTrace string          `json:"stack_trace,omitempty"`
	Logs       json.RawMessage `json:"logs,omitempty"`
}

// Validate checks the report carries every required field.
func (r *ErrorReport) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("validate report: %w", err)
	}
	return nil
}
