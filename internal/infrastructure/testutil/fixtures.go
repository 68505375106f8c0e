// Package testutil provides test fixtures and helpers for testing.
package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
)

// Epoch is a fixed instant used by fixtures.
var Epoch = time.Date(2026, time.March, 31, 9, 0, 0, 0, time.UTC)

// NewTestPayload builds a payload from literal JSON. It panics on invalid
// input since fixtures are fixed at compile time.
func NewTestPayload(formData, calculations string) mutation.Payload {
	var calc []byte
	if calculations != "" {
		calc = []byte(calculations)
	}
	p, err := mutation.NewPayload([]byte(formData), calc)
	if err != nil {
		panic(fmt.Sprintf("testutil: invalid fixture payload: %v", err))
	}
	return p
}

// NewTestMutation creates an unsaved PUT mutation for the given return id.
func NewTestMutation(returnID string) mutation.PendingMutation {
	return mutation.PendingMutation{
		Timestamp: Epoch,
		Endpoint:  "/api/returns/" + returnID,
		Method:    "PUT",
		Payload: NewTestPayload(
			fmt.Sprintf(`{"returnId":%q,"grossIncome":1200000,"regime":"new"}`, returnID),
			`{"taxableIncome":1125000,"liability":86250}`,
		),
	}
}

// NewTestMutations creates n mutations with increasing timestamps.
func NewTestMutations(n int) []mutation.PendingMutation {
	out := make([]mutation.PendingMutation, n)
	for i := range out {
		m := NewTestMutation(fmt.Sprintf("r-%03d", i))
		m.Timestamp = Epoch.Add(time.Duration(i) * time.Millisecond)
		out[i] = m
	}
	return out
}

// NewServerState builds a 409 body with the given form data.
func NewServerState(formData string, timestamp time.Time, version int64) mutation.ServerState {
	return mutation.ServerState{
		FormData:  json.RawMessage(formData),
		Timestamp: timestamp.UnixMilli(),
		Version:   version,
	}
}
