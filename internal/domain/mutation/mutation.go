// Package mutation defines the domain model for locally-made changes that must
// eventually reach the remote source of truth.
package mutation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
)

// CurrentSchema is the payload schema tag stamped on new mutations.
const CurrentSchema = 1

// Payload is the opaque body of a mutation. FormData and Calculations are kept
// as raw JSON so the queue stays agnostic to form evolution; Schema tags the
// layout they were written with.
type Payload struct {
	Schema       int             `json:"schema"`
	FormData     json.RawMessage `json:"formData"`
	Calculations json.RawMessage `json:"calculations,omitempty"`
}

// NewPayload validates the given JSON documents and builds a Payload.
// calculations may be nil.
func NewPayload(formData, calculations []byte) (Payload, error) {
	if len(bytes.TrimSpace(formData)) == 0 {
		return Payload{}, fmt.Errorf("%w: form data required", domainErrors.ErrInvalidPayload)
	}
	if !json.Valid(formData) {
		return Payload{}, fmt.Errorf("%w: form data is not valid JSON", domainErrors.ErrInvalidPayload)
	}
	p := Payload{Schema: CurrentSchema, FormData: json.RawMessage(formData)}
	if len(bytes.TrimSpace(calculations)) > 0 {
		if !json.Valid(calculations) {
			return Payload{}, fmt.Errorf("%w: calculations are not valid JSON", domainErrors.ErrInvalidPayload)
		}
		p.Calculations = json.RawMessage(calculations)
	}
	return p, nil
}

// RequestBody renders the wire body sent to the remote endpoint.
func (p Payload) RequestBody() ([]byte, error) {
	body := struct {
		FormData     json.RawMessage `json:"formData"`
		Calculations json.RawMessage `json:"calculations"`
	}{
		FormData:     p.FormData,
		Calculations: p.Calculations,
	}
	if len(body.Calculations) == 0 {
		body.Calculations = json.RawMessage("null")
	}
	return json.Marshal(body)
}

// PendingMutation is a queued change awaiting confirmation from the server.
type PendingMutation struct {
	ID            string    // Stable handle assigned on enqueue
	Timestamp     time.Time // When the user made the change
	Payload       Payload   // Form data and calculation result
	Endpoint      string    // Remote URL or path
	Method        string    // HTTP method
	RetryCount    int       // Failed attempts so far
	LastError     string    // Message of the most recent failure
	Version       int64     // Version stamp sent with the request
	NextAttemptAt time.Time // Earliest time of the next attempt (zero = now)
}

// Retryable reports whether the mutation may still be attempted.
func (m PendingMutation) Retryable(maxRetries int) bool {
	return m.RetryCount < maxRetries
}

// Due reports whether a scheduled retry has come due.
func (m PendingMutation) Due(now time.Time) bool {
	return m.NextAttemptAt.IsZero() || !now.Before(m.NextAttemptAt)
}

// Validate checks the fields required before a mutation can be queued.
func (m PendingMutation) Validate() error {
	if strings.TrimSpace(m.Endpoint) == "" {
		return domainErrors.NewError(domainErrors.CodeValidation, "endpoint required", nil)
	}
	switch strings.ToUpper(m.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return domainErrors.NewError(domainErrors.CodeValidation, fmt.Sprintf("unsupported method %q", m.Method), nil)
	}
	if len(m.Payload.FormData) == 0 {
		return domainErrors.NewError(domainErrors.CodeValidation, "form data required", domainErrors.ErrInvalidPayload)
	}
	return nil
}

// Patch is a partial update applied to a queued mutation. Nil fields are left untouched.
type Patch struct {
	Payload       *Payload
	RetryCount    *int
	LastError     *string
	Version       *int64
	NextAttemptAt *time.Time
}

// Apply returns a copy of m with the patch applied.
func (p Patch) Apply(m PendingMutation) PendingMutation {
	if p.Payload != nil {
		m.Payload = *p.Payload
	}
	if p.RetryCount != nil {
		m.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		m.LastError = *p.LastError
	}
	if p.Version != nil {
		m.Version = *p.Version
	}
	if p.NextAttemptAt != nil {
		m.NextAttemptAt = *p.NextAttemptAt
	}
	return m
}

// SyncMetadata is the single process-wide record of sync progress.
type SyncMetadata struct {
	LastSync time.Time // Last confirmed sync
	Version  int64     // Monotonic version counter
}
