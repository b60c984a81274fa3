package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/reply"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/tts"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SourceFactory opens a capture source for the audio section.
type SourceFactory func(AudioConfig) (audio.Source, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stt    map[string]func(ProviderEntry) (stt.Provider, error)
	tts    map[string]func(ProviderEntry) (tts.Factory, error)
	reply  map[string]func(ProviderEntry) (reply.Backend, error)
	vad    map[string]func() (vad.Engine, error)
	source map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:    make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts:    make(map[string]func(ProviderEntry) (tts.Factory, error)),
		reply:  make(map[string]func(ProviderEntry) (reply.Backend, error)),
		vad:    make(map[string]func() (vad.Engine, error)),
		source: make(map[string]SourceFactory),
	}
}

// RegisterSTT registers a transcription provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a synthesizer factory constructor under name. The
// returned [tts.Factory] is called again whenever the synthesizer has to be
// reinitialised.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Factory, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterReply registers a reply backend factory under name.
func (r *Registry) RegisterReply(name string, factory func(ProviderEntry) (reply.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reply[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func() (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSource registers an audio source factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[name] = factory
}

// CreateSTT instantiates the transcription provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateTTS instantiates the synthesizer factory named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Factory, error) {
	r.mu.RLock()
	f, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateReply instantiates the reply backend named by entry.Name.
func (r *Registry) CreateReply(entry ProviderEntry) (reply.Backend, error) {
	r.mu.RLock()
	f, ok := r.reply[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: reply/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateVAD instantiates the VAD engine registered under name.
func (r *Registry) CreateVAD(name string) (vad.Engine, error) {
	r.mu.RLock()
	f, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, name)
	}
	return f()
}

// OpenSource opens the capture source named by cfg.Source.
func (r *Registry) OpenSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	f, ok := r.source[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Source)
	}
	return f(cfg)
}

// Names returns the sorted registered names for kind ("stt", "tts",
// "reply", "vad" or "audio").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "stt":
		names = keys(r.stt)
	case "tts":
		names = keys(r.tts)
	case "reply":
		names = keys(r.reply)
	case "vad":
		names = keys(r.vad)
	case "audio":
		names = keys(r.source)
	}
	slices.Sort(names)
	return names
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
