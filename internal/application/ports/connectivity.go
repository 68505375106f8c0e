package ports

// ConnectivityWatcher reports whether the remote is reachable and notifies
// subscribers of transitions.
type ConnectivityWatcher interface {
	// Online reports the current state.
	Online() bool

	// Subscribe registers fn for transitions and returns a function that
	// removes it. fn is called with the new state, only when it changes.
	Subscribe(fn func(online bool)) (unsubscribe func())

	// Close releases any resources held by the watcher.
	Close() error
}
