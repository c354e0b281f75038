package codec

import (
	"fmt"

	"stmgr-link/message"
)

// ProtoCodec writes the protobuf wire form of messages, which is what the
// Stream Manager speaks natively. Values must implement message.ProtoMessage.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(message.ProtoMessage)
	if !ok {
		return nil, fmt.Errorf("ProtoCodec: %T does not implement message.ProtoMessage", v)
	}
	return m.AppendProto(nil), nil
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	m, ok := v.(message.ProtoMessage)
	if !ok {
		return fmt.Errorf("ProtoCodec: %T does not implement message.ProtoMessage", v)
	}
	if err := m.UnmarshalProto(data); err != nil {
		return fmt.Errorf("ProtoCodec: decode %s: %w", m.TypeName(), err)
	}
	return nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
