package connectivity

import "github.com/jbctechsolutions/taxsync/internal/application/ports"

// Manual is a watcher whose state is set by the caller. The CLI uses it for
// one-shot commands and tests use it to script transitions.
type Manual struct {
	state
}

// NewManual creates a watcher starting in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// SetOnline changes the state, notifying subscribers on a transition.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}

// Close is a no-op.
func (m *Manual) Close() error {
	return nil
}

var _ ports.ConnectivityWatcher = (*Manual)(nil)
