package serializer

import "gopkg.in/yaml.v3"

// YAMLCodec implements Codec over gopkg.in/yaml.v3, the format library
// config feeders use for YAML sources.
type YAMLCodec struct{}

func (YAMLCodec) Marshal(v any) ([]byte, error) { return yaml.Marshal(v) }

func (YAMLCodec) Unmarshal(data []byte, out any) error { return yaml.Unmarshal(data, out) }
