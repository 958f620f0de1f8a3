// Package serializer implements messaging.Serializer over a
// format-keyed registry of encoders, grounded on the modules/eventbus
// config feeder's format dispatch: json/yaml selected by string key.
package serializer

import "fmt"

// Codec is one wire format's encode/decode pair.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// Registry dispatches Serialize/Deserialize calls to a Codec keyed by
// format name (e.g. "json", "yaml"), implementing messaging.Serializer.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry builds a registry from the given named codecs.
func NewRegistry(codecs map[string]Codec) *Registry {
	return &Registry{codecs: codecs}
}

// Default returns a registry with the json and yaml codecs registered,
// the two formats the reference config feeders support.
func Default() *Registry {
	return NewRegistry(map[string]Codec{
		"json": JSONCodec{},
		"yaml": YAMLCodec{},
	})
}

func (r *Registry) codec(format string) (Codec, error) {
	c, ok := r.codecs[format]
	if !ok {
		return nil, fmt.Errorf("serializer: unknown format %q", format)
	}
	return c, nil
}

// Serialize encodes typed using the named format's codec.
func (r *Registry) Serialize(format string, typed any) ([]byte, error) {
	c, err := r.codec(format)
	if err != nil {
		return nil, err
	}
	return c.Marshal(typed)
}

// SerializeObject encodes a polymorphic value the same way Serialize
// does; formats in this registry do not distinguish the two paths.
func (r *Registry) SerializeObject(format string, value any) ([]byte, error) {
	return r.Serialize(format, value)
}

// Deserialize decodes data into out using the named format's codec.
func (r *Registry) Deserialize(format string, data []byte, out any) error {
	c, err := r.codec(format)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, out)
}
