// Package mock provides a test double for the archive.Store interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/terrarover/pkg/archive"
)

// Store records saved snapshots.
type Store struct {
	mu sync.Mutex

	// SaveErr is returned from Save when non-nil; nothing is recorded.
	SaveErr error

	// Location is returned from successful saves.
	Location string

	// Saved holds every snapshot passed to a successful Save.
	Saved []archive.Snapshot
}

// Save records s.
func (m *Store) Save(_ context.Context, s archive.Snapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return "", m.SaveErr
	}
	m.Saved = append(m.Saved, s)
	return m.Location, nil
}

// Count returns the number of saved snapshots. Thread-safe.
func (m *Store) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Saved)
}

// Ensure Store implements archive.Store at compile time.
var _ archive.Store = (*Store)(nil)
