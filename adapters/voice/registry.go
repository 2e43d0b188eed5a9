package voice

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/eon-voice/domain"
	"github.com/satriahrh/eon-voice/domain/entities"
	"github.com/satriahrh/eon-voice/domain/repositories"
)

const (
	defaultTranscriptionModel = "whisper-1"
	defaultHandshakeTimeout   = 15 * time.Second
	eventBufferSize           = 256
)

// Options holds provider settings shared by every session of a process.
// Zero values fall back to defaults.
type Options struct {
	APIVersion         string        // Optional: provider API version, each adapter has its own default
	TranscriptionModel string        // Optional: input transcription model
	StrictHandshake    bool          // Abort Connect on an unexpected handshake message
	HandshakeTimeout   time.Duration // Optional: per-step read timeout during the handshake
	// UserScope falls back to DefaultUserScopePolicy when both lists are nil
	UserScope UserScopePolicy
}

func (o Options) withDefaults(logger *zap.Logger) Options {
	if o.TranscriptionModel == "" {
		o.TranscriptionModel = defaultTranscriptionModel
		logger.Debug("Using default transcription model", zap.String("transcriptionModel", o.TranscriptionModel))
	}
	if o.UserScope.Names == nil && o.UserScope.Prefixes == nil {
		o.UserScope = DefaultUserScopePolicy()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	return o
}

// Factory constructs an adapter for one session
type Factory func(config entities.SessionConfig, opts Options, logger *zap.Logger) repositories.VoiceAdapter

// Registry maps a provider name to its adapter factory
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with every built-in provider registered
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(OpenAIRealtimeName, func(config entities.SessionConfig, opts Options, logger *zap.Logger) repositories.VoiceAdapter {
		return NewOpenAIRealtime(config, opts, logger)
	})
	r.Register(GeminiLiveName, func(config entities.SessionConfig, opts Options, logger *zap.Logger) repositories.VoiceAdapter {
		return NewGeminiLive(config, opts, logger)
	})
	return r
}

// Register adds or replaces the factory for name
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names lists the registered providers in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New builds an adapter for name. An unknown name is a configuration error.
func (r *Registry) New(name string, config entities.SessionConfig, opts Options, logger *zap.Logger) (repositories.VoiceAdapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &domain.ConfigurationError{
			Field:   "VOICE_ADAPTER",
			Message: fmt.Sprintf("unknown voice adapter %q, available: %s", name, strings.Join(r.Names(), ", ")),
		}
	}
	return factory(config, opts, logger.With(zap.String("adapter", name))), nil
}
