package message

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoMessage is implemented by messages that have a protobuf wire form.
// Field numbers follow the Stream Manager's .proto definitions.
type ProtoMessage interface {
	Message
	AppendProto(b []byte) []byte
	UnmarshalProto(b []byte) error
}

var (
	_ ProtoMessage = (*RegisterInstanceRequest)(nil)
	_ ProtoMessage = (*RegisterInstanceResponse)(nil)
	_ ProtoMessage = (*NewInstanceAssignmentMessage)(nil)
	_ ProtoMessage = (*TupleStreamMessage)(nil)
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

// appendMessage always writes the field so that presence survives an empty sub-message.
func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	bytes  []byte
	varint uint64
}

func (f field) str() string { return string(f.bytes) }
func (f field) i32() int32 { return int32(f.varint) }
func (f field) isBytes() bool { return f.typ == protowire.BytesType }

// walk calls fn for every varint and length-delimited field in b and skips
// everything else.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Status) appendProto(b []byte) []byte {
	b = appendInt32(b, 1, int32(s.Code))
	return appendString(b, 2, s.Message)
}

func (s *Status) unmarshalProto(b []byte) error {
	*s = Status{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			s.Code = StatusCode(f.i32())
		case 2:
			s.Message = f.str()
		}
		return nil
	})
}

func (t *Topology) appendProto(b []byte) []byte {
	b = appendString(b, 1, t.ID)
	b = appendString(b, 2, t.Name)
	b = appendInt32(b, 3, int32(t.State))
	for _, s := range t.Spouts {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range t.Bolts {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func (t *Topology) unmarshalProto(b []byte) error {
	*t = Topology{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			t.ID = f.str()
		case 2:
			t.Name = f.str()
		case 3:
			t.State = TopologyState(f.i32())
		case 4:
			t.Spouts = append(t.Spouts, f.str())
		case 5:
			t.Bolts = append(t.Bolts, f.str())
		}
		return nil
	})
}

func (s *StMgr) appendProto(b []byte) []byte {
	b = appendString(b, 1, s.ID)
	b = appendString(b, 2, s.HostName)
	return appendInt32(b, 3, s.DataPort)
}

func (s *StMgr) unmarshalProto(b []byte) error {
	*s = StMgr{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			s.ID = f.str()
		case 2:
			s.HostName = f.str()
		case 3:
			s.DataPort = f.i32()
		}
		return nil
	})
}

func (in *Instance) appendProto(b []byte) []byte {
	b = appendString(b, 1, in.InstanceID)
	b = appendString(b, 2, in.StmgrID)
	b = appendInt32(b, 3, in.TaskID)
	b = appendInt32(b, 4, in.ComponentIndex)
	return appendString(b, 5, in.ComponentName)
}

func (in *Instance) unmarshalProto(b []byte) error {
	*in = Instance{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			in.InstanceID = f.str()
		case 2:
			in.StmgrID = f.str()
		case 3:
			in.TaskID = f.i32()
		case 4:
			in.ComponentIndex = f.i32()
		case 5:
			in.ComponentName = f.str()
		}
		return nil
	})
}

func (p *PhysicalPlan) appendProto(b []byte) []byte {
	b = appendMessage(b, 1, p.Topology.appendProto(nil))
	for i := range p.Stmgrs {
		b = appendMessage(b, 2, p.Stmgrs[i].appendProto(nil))
	}
	for i := range p.Instances {
		b = appendMessage(b, 3, p.Instances[i].appendProto(nil))
	}
	return b
}

func (p *PhysicalPlan) unmarshalProto(b []byte) error {
	*p = PhysicalPlan{}
	return walk(b, func(f field) error {
		if !f.isBytes() {
			return nil
		}
		switch f.num {
		case 1:
			return p.Topology.unmarshalProto(f.bytes)
		case 2:
			var s StMgr
			if err := s.unmarshalProto(f.bytes); err != nil {
				return err
			}
			p.Stmgrs = append(p.Stmgrs, s)
		case 3:
			var in Instance
			if err := in.unmarshalProto(f.bytes); err != nil {
				return err
			}
			p.Instances = append(p.Instances, in)
		}
		return nil
	})
}

func (m *RegisterInstanceRequest) AppendProto(b []byte) []byte {
	b = appendMessage(b, 1, m.Instance.appendProto(nil))
	b = appendString(b, 2, m.TopologyName)
	return appendString(b, 3, m.TopologyID)
}

func (m *RegisterInstanceRequest) UnmarshalProto(b []byte) error {
	*m = RegisterInstanceRequest{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			return m.Instance.unmarshalProto(f.bytes)
		case 2:
			m.TopologyName = f.str()
		case 3:
			m.TopologyID = f.str()
		}
		return nil
	})
}

func (m *RegisterInstanceResponse) AppendProto(b []byte) []byte {
	b = appendMessage(b, 1, m.Status.appendProto(nil))
	if m.PhysicalPlan != nil {
		b = appendMessage(b, 2, m.PhysicalPlan.appendProto(nil))
	}
	return b
}

func (m *RegisterInstanceResponse) UnmarshalProto(b []byte) error {
	*m = RegisterInstanceResponse{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			return m.Status.unmarshalProto(f.bytes)
		case 2:
			m.PhysicalPlan = &PhysicalPlan{}
			return m.PhysicalPlan.unmarshalProto(f.bytes)
		}
		return nil
	})
}

func (m *NewInstanceAssignmentMessage) AppendProto(b []byte) []byte {
	return appendMessage(b, 1, m.PhysicalPlan.appendProto(nil))
}

func (m *NewInstanceAssignmentMessage) UnmarshalProto(b []byte) error {
	*m = NewInstanceAssignmentMessage{}
	return walk(b, func(f field) error {
		if f.num == 1 {
			return m.PhysicalPlan.unmarshalProto(f.bytes)
		}
		return nil
	})
}

func (m *TupleStreamMessage) AppendProto(b []byte) []byte {
	b = appendInt32(b, 1, m.TaskID)
	b = appendInt32(b, 2, m.SrcTaskID)
	return appendBytes(b, 3, m.Set)
}

func (m *TupleStreamMessage) UnmarshalProto(b []byte) error {
	*m = TupleStreamMessage{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.TaskID = f.i32()
		case 2:
			m.SrcTaskID = f.i32()
		case 3:
			m.Set = append([]byte(nil), f.bytes...)
		}
		return nil
	})
}
