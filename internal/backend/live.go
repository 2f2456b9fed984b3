package backend

import "sync"

// LiveConfig is the process-wide configuration currently used to talk to
// the node backend. It mirrors the active Connection and is mutated only by
// the Manager's bootstrap and activate paths, never by anything else.
type LiveConfig struct {
	mu       sync.RWMutex
	url      string
	password string
	external bool
}

// NewLiveConfig creates an empty live configuration handle.
func NewLiveConfig() *LiveConfig {
	return &LiveConfig{}
}

// Set replaces the live backend configuration.
func (l *LiveConfig) Set(url, password string, external bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.url = url
	l.password = password
	l.external = external
}

// Snapshot returns a consistent view of the live configuration.
func (l *LiveConfig) Snapshot() (url, password string, external bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.url, l.password, l.external
}

// IsExternal reports whether the live backend is a remote node rather than
// the bundled local one.
func (l *LiveConfig) IsExternal() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.external
}
