package mutation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localAt(ms int64, form, calc string, version int64) PendingMutation {
	m := PendingMutation{
		ID:        "local",
		Timestamp: time.UnixMilli(ms),
		Version:   version,
		Payload:   Payload{Schema: CurrentSchema, FormData: json.RawMessage(form)},
	}
	if calc != "" {
		m.Payload.Calculations = json.RawMessage(calc)
	}
	return m
}

func TestResolveConflict_ServerWins(t *testing.T) {
	local := localAt(100, `{"a":1}`, "", 1)
	server := ServerState{FormData: json.RawMessage(`{"b":2}`), Timestamp: 200, Version: 4}

	res, err := ResolveConflict(local, server)
	require.NoError(t, err)

	assert.Equal(t, ResolutionServerWins, res.Action)
	assert.Empty(t, res.Merged.ID, "no merged entry when server wins")
}

func TestResolveConflict_MergeLocalPrecedence(t *testing.T) {
	local := localAt(200, `{"a":1,"shared":"local"}`, `{"tax":10}`, 3)
	server := ServerState{
		FormData:     json.RawMessage(`{"b":2,"shared":"server"}`),
		Calculations: json.RawMessage(`{"cess":1}`),
		Timestamp:    100,
		Version:      7,
	}

	res, err := ResolveConflict(local, server)
	require.NoError(t, err)

	require.Equal(t, ResolutionMerged, res.Action)
	assert.JSONEq(t, `{"a":1,"b":2,"shared":"local"}`, string(res.Merged.Payload.FormData))
	assert.JSONEq(t, `{"tax":10,"cess":1}`, string(res.Merged.Payload.Calculations))
	assert.Equal(t, int64(8), res.Merged.Version, "version = max(local, server) + 1")
	assert.Equal(t, "local", res.Merged.ID)
}

func TestResolveConflict_EqualTimestampsMerge(t *testing.T) {
	local := localAt(150, `{"a":1}`, "", 9)
	server := ServerState{FormData: json.RawMessage(`{"b":2}`), Timestamp: 150, Version: 2}

	res, err := ResolveConflict(local, server)
	require.NoError(t, err)

	assert.Equal(t, ResolutionMerged, res.Action)
	assert.Equal(t, int64(10), res.Merged.Version)
}

func TestResolveConflict_ExplicitNullClearsServerField(t *testing.T) {
	local := localAt(300, `{"deduction":null}`, "", 1)
	server := ServerState{FormData: json.RawMessage(`{"deduction":5000,"name":"x"}`), Timestamp: 100, Version: 1}

	res, err := ResolveConflict(local, server)
	require.NoError(t, err)

	assert.JSONEq(t, `{"deduction":null,"name":"x"}`, string(res.Merged.Payload.FormData))
}

func TestResolveConflict_NonObjectPayloads(t *testing.T) {
	local := localAt(300, `[1,2]`, "", 1)
	server := ServerState{FormData: json.RawMessage(`{"a":1}`), Calculations: json.RawMessage(`{"tax":3}`), Timestamp: 100}

	res, err := ResolveConflict(local, server)
	require.NoError(t, err)

	assert.JSONEq(t, `[1,2]`, string(res.Merged.Payload.FormData), "non-object local value wins")
	assert.JSONEq(t, `{"tax":3}`, string(res.Merged.Payload.Calculations), "absent local calculations take server value")
}
