package codec

import (
	"encoding/json"
	"fmt"
)

// JSONCodec is handy when debugging against hand-written peers: payloads are
// human-readable. It is larger and slower than ProtoCodec on the hot path.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("JSONCodec: %w", err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
