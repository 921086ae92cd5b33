// Package mock provides a test double for the vlm.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/terrarover/pkg/provider/vlm"
)

// Provider is a mock implementation of vlm.Provider.
type Provider struct {
	mu sync.Mutex

	// AskFunc, if set, replaces the canned behaviour.
	AskFunc func(ctx context.Context, req vlm.Request) (string, error)

	// Answer is returned on success.
	Answer string

	// AskErr is returned when non-nil.
	AskErr error

	// Delay is slept before answering. When IgnoreContext is false the sleep
	// ends early on ctx cancellation.
	Delay time.Duration

	// IgnoreContext makes Delay uninterruptible, like a backend that does
	// not honour cancellation.
	IgnoreContext bool

	// Calls records every request.
	Calls []vlm.Request
}

// Ask records the call and returns the configured outcome.
func (p *Provider) Ask(ctx context.Context, req vlm.Request) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn, answer, err, delay, ignore := p.AskFunc, p.Answer, p.AskErr, p.Delay, p.IgnoreContext
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if delay > 0 {
		if ignore {
			time.Sleep(delay)
		} else {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if err != nil {
		return "", err
	}
	return answer, nil
}

// CallCount returns the number of Ask calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements vlm.Provider at compile time.
var _ vlm.Provider = (*Provider)(nil)
