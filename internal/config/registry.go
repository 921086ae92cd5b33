package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/terrarover/pkg/provider/detect"
	"github.com/MrWong99/terrarover/pkg/provider/stt"
	"github.com/MrWong99/terrarover/pkg/provider/vlm"
	"github.com/MrWong99/terrarover/pkg/video"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one provider kind's name → constructor table.
type factories[T any] struct {
	kind string
	m    map[string]func(ProviderEntry) (T, error)
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]func(ProviderEntry) (T, error))}
}

func (f factories[T]) create(entry ProviderEntry) (T, error) {
	factory, ok := f.m[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

func (f factories[T]) names() []string {
	names := make([]string, 0, len(f.m))
	for n := range f.m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	detector factories[detect.Provider]
	vlm      factories[vlm.Provider]
	stt      factories[stt.Provider]
	video    factories[video.Dialer]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		detector: newFactories[detect.Provider]("detector"),
		vlm:      newFactories[vlm.Provider]("vlm"),
		stt:      newFactories[stt.Provider]("stt"),
		video:    newFactories[video.Dialer]("video"),
	}
}

// RegisterDetector registers an object detector factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDetector(name string, factory func(ProviderEntry) (detect.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detector.m[name] = factory
}

// RegisterVLM registers a vision-language model factory under name.
func (r *Registry) RegisterVLM(name string, factory func(ProviderEntry) (vlm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vlm.m[name] = factory
}

// RegisterSTT registers a speech-to-text factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// RegisterVideo registers a video driver under name. The entry passed to the
// factory carries the source options (buffer_size, ffmpeg).
func (r *Registry) RegisterVideo(name string, factory func(ProviderEntry) (video.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video.m[name] = factory
}

// CreateDetector instantiates the detector registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateDetector(entry ProviderEntry) (detect.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detector.create(entry)
}

// CreateVLM instantiates the vision model registered under entry.Name.
func (r *Registry) CreateVLM(entry ProviderEntry) (vlm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vlm.create(entry)
}

// CreateSTT instantiates the transcriber registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry)
}

// CreateVideo instantiates the video driver registered under entry.Name.
func (r *Registry) CreateVideo(entry ProviderEntry) (video.Dialer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.video.create(entry)
}

// Names returns the sorted registered names for kind ("detector", "vlm",
// "stt", "video"), or nil for an unknown kind.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "detector":
		return r.detector.names()
	case "vlm":
		return r.vlm.names()
	case "stt":
		return r.stt.names()
	case "video":
		return r.video.names()
	}
	return nil
}
