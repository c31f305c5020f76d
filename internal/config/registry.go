package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested type or engine name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider types and detector engine names to their
// constructor functions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	asr  map[string]func(ProviderEntry) (asr.Provider, error)
	vad  map[string]func(VADConfig) (vad.Engine, error)
	wake map[string]func(WakeWordConfig) (wake.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:  make(map[string]func(ProviderEntry) (asr.Provider, error)),
		vad:  make(map[string]func(VADConfig) (vad.Engine, error)),
		wake: make(map[string]func(WakeWordConfig) (wake.Engine, error)),
	}
}

// RegisterASR registers an ASR provider factory under typ.
// Subsequent calls with the same type overwrite the previous registration.
func (r *Registry) RegisterASR(typ string, factory func(ProviderEntry) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[typ] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterWake registers a wake-word engine factory under name.
func (r *Registry) RegisterWake(name string, factory func(WakeWordConfig) (wake.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wake[name] = factory
}

// CreateASR instantiates an ASR provider using the factory registered under entry.Type.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that type.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under cfg.Engine.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateWake instantiates a wake-word engine using the factory registered under cfg.Engine.
func (r *Registry) CreateWake(cfg WakeWordConfig) (wake.Engine, error) {
	r.mu.RLock()
	factory, ok := r.wake[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wakeword/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}
