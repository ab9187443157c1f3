package rest

import (
	"context"

	"github.com/tripwire/fimd/internal/monitor"
	"github.com/tripwire/fimd/internal/store"
)

// Store is the read side of the audit trail used by the handlers. Defining
// an interface allows handlers to be tested without a database.
type Store interface {
	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, q store.EventQuery) ([]store.EventRecord, error)

	// GetEvent returns one event or store.ErrNotFound.
	GetEvent(ctx context.Context, id int64) (store.EventRecord, error)
}

// Controller is the session control surface. *monitor.Monitor implements it.
type Controller interface {
	// AddRoot admits a watch root and returns its canonical form and any
	// roots it replaced.
	AddRoot(path string) (string, []string, error)

	// RemoveRoot drops a watch root.
	RemoveRoot(path string) error

	// Start begins a session; it is a no-op while one is active.
	Start() error

	// Stop asks the running session to end.
	Stop()

	// Health reports the current run state.
	Health() monitor.HealthStatus
}
