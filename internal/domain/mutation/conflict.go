package mutation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ServerState is the record the remote returns alongside a 409.
// Timestamp is milliseconds since the Unix epoch.
type ServerState struct {
	FormData     json.RawMessage `json:"formData"`
	Calculations json.RawMessage `json:"calculations"`
	Timestamp    int64           `json:"timestamp"`
	Version      int64           `json:"version"`
}

// ServerTime returns the server timestamp as a time.Time.
func (s ServerState) ServerTime() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// ResolutionAction is the outcome of a conflict.
type ResolutionAction string

const (
	// ResolutionServerWins discards the local entry.
	ResolutionServerWins ResolutionAction = "server_wins"
	// ResolutionMerged keeps a merged entry queued for a later retry.
	ResolutionMerged ResolutionAction = "merged"
)

// Resolution describes what to do with a conflicting mutation.
type Resolution struct {
	Action ResolutionAction
	Merged PendingMutation // set when Action == ResolutionMerged
}

// ResolveConflict applies last-writer-wins at whole-record granularity: a
// strictly newer server record discards the local one; otherwise the payloads
// are shallow-merged with local keys taking precedence and the version is
// bumped past both sides.
//
// A key present in the local object with a JSON null is an explicit clear and
// overrides the server value. A key absent from the local object keeps the
// server value.
func ResolveConflict(local PendingMutation, server ServerState) (Resolution, error) {
	if server.Timestamp > local.Timestamp.UnixMilli() {
		return Resolution{Action: ResolutionServerWins}, nil
	}

	formData, err := mergeObjects(local.Payload.FormData, server.FormData)
	if err != nil {
		return Resolution{}, fmt.Errorf("merging form data: %w", err)
	}
	calculations, err := mergeObjects(local.Payload.Calculations, server.Calculations)
	if err != nil {
		return Resolution{}, fmt.Errorf("merging calculations: %w", err)
	}

	merged := local
	merged.Payload = Payload{
		Schema:       local.Payload.Schema,
		FormData:     formData,
		Calculations: calculations,
	}
	merged.Version = max(local.Version, server.Version) + 1

	return Resolution{Action: ResolutionMerged, Merged: merged}, nil
}

// mergeObjects shallow-merges two JSON objects, local over server. If either
// side is not an object the local value wins when present.
func mergeObjects(local, server json.RawMessage) (json.RawMessage, error) {
	localObj, localOK := asObject(local)
	serverObj, serverOK := asObject(server)

	switch {
	case localOK && serverOK:
	case isEmpty(local):
		return server, nil
	default:
		return local, nil
	}

	out := make(map[string]json.RawMessage, len(localObj)+len(serverObj))
	for k, v := range serverObj {
		out[k] = v
	}
	for k, v := range localObj {
		out[k] = v
	}
	return json.Marshal(out)
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
