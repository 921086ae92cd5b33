// Package mock provides a test double for the sink.Sink interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/terrarover/pkg/sink"
	"github.com/MrWong99/terrarover/pkg/types"
)

// Sink records every published result.
type Sink struct {
	mu sync.Mutex

	// PublishErr is returned from every Publish when non-nil. The result is
	// still recorded.
	PublishErr error

	// Results holds every result passed to Publish, in call order.
	Results []types.DetectionResult

	notify chan struct{}
}

// Publish records r and returns PublishErr.
func (s *Sink) Publish(_ context.Context, r types.DetectionResult) error {
	s.mu.Lock()
	s.Results = append(s.Results, r)
	err := s.PublishErr
	ch := s.notify
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return err
}

// Published returns a copy of the recorded results. Thread-safe.
func (s *Sink) Published() []types.DetectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.DetectionResult(nil), s.Results...)
}

// Count returns how many results have been published. Thread-safe.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Results)
}

// Notify returns a channel that receives a value (non-blocking, capacity 1)
// after each Publish.
func (s *Sink) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{}, 1)
	}
	return s.notify
}

// Ensure Sink implements sink.Sink at compile time.
var _ sink.Sink = (*Sink)(nil)
