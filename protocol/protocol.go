// Package protocol implements the length-prefixed frame format spoken between an
// Instance and its Stream Manager.
//
// Every frame is self-delimiting: a 4-byte total length is followed by the type
// name, the correlation id and the payload. The receiver reads the length first,
// then exactly that many bytes, so frames survive TCP's arbitrary segmentation.
//
// Frame format (all integers big-endian):
//
//	0        4      6            6+n       6+n+16
//	┌────────┬──────┬────────────┬─────────┬──────────────┐
//	│ total  │ nlen │ type name  │  REQID  │ payload ...  │
//	│ uint32 │uint16│  n bytes   │16 bytes │              │
//	└────────┴──────┴────────────┴─────────┴──────────────┘
//
// total covers everything after itself. Fields must be read in this order: the
// type name and REQID are used for routing before the payload is interpreted.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"stmgr-link/reqid"
)

const (
	LengthFieldSize = 4
	TypeLenSize     = 2
	// MinBodySize is the smallest legal total length: an empty type name and a REQID.
	MinBodySize = TypeLenSize + reqid.Size
	// MaxFrameSize bounds total length so a corrupt header cannot make the
	// receiver allocate arbitrary amounts of memory.
	MaxFrameSize = 16 << 20
	MaxTypeName  = 1<<16 - 1
)

var (
	// ErrCorruptFrame marks a stream whose framing is inconsistent with itself.
	// The stream cannot be resynchronised in place; the connection must go.
	ErrCorruptFrame  = errors.New("protocol: corrupt frame")
	ErrFrameTooLarge = fmt.Errorf("%w: declared length exceeds %d bytes", ErrCorruptFrame, MaxFrameSize)

	ErrTypeNameTooLong = errors.New("protocol: type name longer than 65535 bytes")
	ErrPayloadTooLarge = errors.New("protocol: frame would exceed maximum size")
)

// Frame is one unit of wire transfer.
type Frame struct {
	TypeName string
	ID       reqid.REQID
	Payload  []byte
}

// Size returns the number of bytes Encode produces for f.
func (f *Frame) Size() int {
	return LengthFieldSize + MinBodySize + len(f.TypeName) + len(f.Payload)
}

// Encode returns the complete wire form of f.
func Encode(f *Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, f.Size()), f)
}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if len(f.TypeName) > MaxTypeName {
		return dst, ErrTypeNameTooLong
	}
	total := MinBodySize + len(f.TypeName) + len(f.Payload)
	if total > MaxFrameSize {
		return dst, ErrPayloadTooLarge
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(total))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.TypeName)))
	dst = append(dst, f.TypeName...)
	dst = append(dst, f.ID[:]...)
	dst = append(dst, f.Payload...)
	return dst, nil
}

// WriteFrame writes f to w in a single Write call.
// Callers sharing w between goroutines must serialise calls themselves.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from a blocking reader.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [LengthFieldSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	total, err := checkTotal(binary.BigEndian.Uint32(hdr[:]))
	if err != nil {
		return nil, err
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return parseBody(body)
}

func checkTotal(total uint32) (int, error) {
	if total < MinBodySize {
		return 0, fmt.Errorf("%w: declared length %d shorter than %d", ErrCorruptFrame, total, MinBodySize)
	}
	if total > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	return int(total), nil
}

func checkTypeName(body []byte) (int, error) {
	n := int(binary.BigEndian.Uint16(body[:TypeLenSize]))
	if n > len(body)-MinBodySize {
		return 0, fmt.Errorf("%w: type name length %d overruns frame of %d bytes", ErrCorruptFrame, n, len(body))
	}
	return n, nil
}

// parseBody splits a complete frame body. The returned payload aliases body.
func parseBody(body []byte) (*Frame, error) {
	n, err := checkTypeName(body)
	if err != nil {
		return nil, err
	}
	off := TypeLenSize
	f := &Frame{TypeName: string(body[off : off+n])}
	off += n
	copy(f.ID[:], body[off:off+reqid.Size])
	off += reqid.Size
	f.Payload = body[off:]
	return f, nil
}
