// Package latest holds the most recently captured frame in a single atomic
// slot. It has one writer (the capture task) and any number of readers (the
// snapshot path, HTTP preview). Readers never wait and never observe a partly
// written frame.
package latest

import (
	"sync/atomic"

	"github.com/MrWong99/terrarover/pkg/types"
)

// Handle is the latest-frame slot. The zero value is an empty handle ready
// for use.
type Handle struct {
	p atomic.Pointer[types.Frame]
}

// Store replaces the held frame with f.
func (h *Handle) Store(f types.Frame) {
	h.p.Store(&f)
}

// Load returns the held frame and true, or the zero Frame and false before
// the first Store (or after Clear).
func (h *Handle) Load() (types.Frame, bool) {
	f := h.p.Load()
	if f == nil {
		return types.Frame{}, false
	}
	return *f, true
}

// Clear empties the handle.
func (h *Handle) Clear() {
	h.p.Store(nil)
}
