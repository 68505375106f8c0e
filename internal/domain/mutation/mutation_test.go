package mutation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
)

func TestNewPayload(t *testing.T) {
	t.Run("valid form and calculations", func(t *testing.T) {
		p, err := NewPayload([]byte(`{"pan":"ABCDE1234F"}`), []byte(`{"tax":1200}`))
		require.NoError(t, err)
		assert.Equal(t, CurrentSchema, p.Schema)
		assert.JSONEq(t, `{"pan":"ABCDE1234F"}`, string(p.FormData))
		assert.JSONEq(t, `{"tax":1200}`, string(p.Calculations))
	})

	t.Run("missing calculations", func(t *testing.T) {
		p, err := NewPayload([]byte(`{"a":1}`), nil)
		require.NoError(t, err)
		assert.Nil(t, p.Calculations)
	})

	t.Run("empty form data", func(t *testing.T) {
		_, err := NewPayload([]byte("  "), nil)
		assert.True(t, errors.Is(err, domainErrors.ErrInvalidPayload))
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := NewPayload([]byte(`{"a":`), nil)
		assert.True(t, errors.Is(err, domainErrors.ErrInvalidPayload))
	})
}

func TestPayload_RequestBody(t *testing.T) {
	p, err := NewPayload([]byte(`{"a":1}`), nil)
	require.NoError(t, err)

	body, err := p.RequestBody()
	require.NoError(t, err)
	assert.JSONEq(t, `{"formData":{"a":1},"calculations":null}`, string(body))
}

func TestPendingMutation_Validate(t *testing.T) {
	payload := Payload{Schema: 1, FormData: json.RawMessage(`{}`)}

	tests := []struct {
		name    string
		m       PendingMutation
		wantErr bool
	}{
		{"valid post", PendingMutation{Endpoint: "/api/returns", Method: "POST", Payload: payload}, false},
		{"lowercase put", PendingMutation{Endpoint: "/api/returns/1", Method: "put", Payload: payload}, false},
		{"missing endpoint", PendingMutation{Method: "POST", Payload: payload}, true},
		{"get not allowed", PendingMutation{Endpoint: "/x", Method: "GET", Payload: payload}, true},
		{"missing form data", PendingMutation{Endpoint: "/x", Method: "POST"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPendingMutation_RetryableAndDue(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	m := PendingMutation{RetryCount: 4}
	assert.True(t, m.Retryable(5))
	m.RetryCount = 5
	assert.False(t, m.Retryable(5))

	assert.True(t, PendingMutation{}.Due(now))
	assert.True(t, PendingMutation{NextAttemptAt: now}.Due(now))
	assert.False(t, PendingMutation{NextAttemptAt: now.Add(time.Second)}.Due(now))
}

func TestPatch_Apply(t *testing.T) {
	orig := PendingMutation{ID: "m1", RetryCount: 1, Version: 3}
	retries := 2
	lastErr := "timeout"

	got := Patch{RetryCount: &retries, LastError: &lastErr}.Apply(orig)

	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "timeout", got.LastError)
	assert.Equal(t, int64(3), got.Version, "untouched fields are preserved")
	assert.Equal(t, 1, orig.RetryCount, "original is not modified")
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 5 * time.Second},
		{3, 15 * time.Second},
		{4, 30 * time.Second},
		{5, 60 * time.Second},
		{9, 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.retryCount, DefaultRetryDelays), "retryCount=%d", tt.retryCount)
	}

	assert.Equal(t, 1*time.Second, RetryDelay(1, nil), "nil table falls back to defaults")
}
