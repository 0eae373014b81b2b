package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/provider/llm"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned when a [ProviderEntry] names a
// backend nobody registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name table for one provider kind. The owning Registry's
// lock guards it.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

// create runs the factory outside the lock so it may itself use r.
func create[T any](r *Registry, f *factories[T], entry ProviderEntry) (T, error) {
	var zero T
	r.mu.RLock()
	fn, ok := f.byName[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s %q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := fn(entry)
	if err != nil {
		return zero, fmt.Errorf("config: create %s provider %q: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

// Registry turns the provider sections of a [Config] into live providers.
// Backends register under the name used in the YAML. Safe for concurrent
// use; a later registration under the same name replaces the earlier one.
type Registry struct {
	mu    sync.RWMutex
	llm   factories[llm.Provider]
	stt   factories[stt.Provider]
	audio factories[audio.Opener]
}

func NewRegistry() *Registry {
	return &Registry{
		llm:   factories[llm.Provider]{"llm", map[string]Factory[llm.Provider]{}},
		stt:   factories[stt.Provider]{"stt", map[string]Factory[stt.Provider]{}},
		audio: factories[audio.Opener]{"audio", map[string]Factory[audio.Opener]{}},
	}
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.byName[name] = f
}

func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.byName[name] = f
}

// RegisterAudio adds a capture backend.
func (r *Registry) RegisterAudio(name string, f Factory[audio.Opener]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio.byName[name] = f
}

// CreateLLM builds the language model named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, &r.llm, entry)
}

// CreateSTT builds the transcription engine named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, &r.stt, entry)
}

// CreateAudio builds the capture backend named by entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Opener, error) {
	return create(r, &r.audio, entry)
}

// Names lists the sorted backend names of kind "llm", "stt" or "audio". An
// unknown kind yields nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.llm.kind:
		return slices.Sorted(maps.Keys(r.llm.byName))
	case r.stt.kind:
		return slices.Sorted(maps.Keys(r.stt.byName))
	case r.audio.kind:
		return slices.Sorted(maps.Keys(r.audio.byName))
	}
	return nil
}
