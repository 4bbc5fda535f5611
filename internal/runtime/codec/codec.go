// Package codec provides the pluggable envelope serializers. The producing
// codec's name travels in the record headers, so consumers pick the decoder
// per record and topics may carry mixed encodings.
package codec

import (
	"fmt"
	"sort"
	"sync"

	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
)

// Codec names shipped by default.
const (
	NameJSON   = "json"
	NameBinary = "binary"
)

// Codec encodes envelopes to wire bytes and back.
type Codec interface {
	// Name identifies the codec in record headers.
	Name() string
	// Marshal encodes the envelope. Failures are SerializationErrors.
	Marshal(env envelopepkg.Envelope) ([]byte, error)
	// Unmarshal decodes wire bytes into env. Failures are SerializationErrors.
	Unmarshal(data []byte, env *envelopepkg.Envelope) error
}

// Registry holds the known codecs and the default used for publishing.
type Registry struct {
	mu          sync.RWMutex
	codecs      map[string]Codec
	defaultName string
}

// NewRegistry returns a registry with the json and binary codecs registered
// and json as the default.
func NewRegistry() *Registry {
	r := &Registry{
		codecs:      make(map[string]Codec),
		defaultName: NameJSON,
	}
	r.Register(JSON{})
	r.Register(Binary{})
	return r
}

// Register adds or replaces a codec under its name.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// Get returns the codec registered under name.
func (r *Registry) Get(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownCodec, name)
	}
	return c, nil
}

// Default returns the codec used when a publish names none.
func (r *Registry) Default() Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.codecs[r.defaultName]
}

// SetDefault switches the publishing default to a registered codec.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.codecs[name]; !ok {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownCodec, name)
	}
	r.defaultName = name
	return nil
}

// Names returns the registered codec names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
