package ports

import (
	"context"

	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
)

// SyncRequest is one mutation sent to the remote.
type SyncRequest struct {
	ID       string // Mutation handle, sent as an idempotency key
	Endpoint string
	Method   string
	Body     []byte
	Version  int64
}

// SyncResponse is the remote's answer to a request that reached it and was
// either accepted or rejected as a conflict.
type SyncResponse struct {
	StatusCode int
	// Conflict holds the server record when StatusCode is 409.
	Conflict *mutation.ServerState
}

// IsConflict reports whether the remote rejected the request with a 409.
func (r *SyncResponse) IsConflict() bool {
	return r != nil && r.Conflict != nil
}

// RemoteClient sends mutations to the source of truth. 2xx and 409 come back
// as a SyncResponse with a nil error; every other outcome (transport
// failure, timeout, other status) is an error.
type RemoteClient interface {
	Send(ctx context.Context, req SyncRequest) (*SyncResponse, error)
}
