package codec

import (
	"github.com/bytedance/sonic"

	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
)

var jsonConfig = sonic.ConfigStd

// JSON is the self-describing default codec: one JSON document per envelope,
// readable without tooling.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return NameJSON }

// Marshal implements Codec.
func (JSON) Marshal(env envelopepkg.Envelope) ([]byte, error) {
	data, err := jsonConfig.Marshal(env)
	if err != nil {
		return nil, errspkg.NewSerializationError(NameJSON, err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, env *envelopepkg.Envelope) error {
	if err := jsonConfig.Unmarshal(data, env); err != nil {
		return errspkg.NewSerializationError(NameJSON, err)
	}
	return nil
}
