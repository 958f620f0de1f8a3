package serializer

import "encoding/json"

// JSONCodec implements Codec over encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, out any) error { return json.Unmarshal(data, out) }
