package protocol

import (
	"encoding/binary"
)

// Decoder assembles frames from bytes that arrive in arbitrary chunks.
//
// It keeps the partial-frame state (length bytes seen, body bytes still
// missing) between calls. A Decoder is owned by one goroutine.
type Decoder struct {
	hdr     [LengthFieldSize]byte
	hdrN    int
	body    []byte
	bodyN   int
	checked bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode consumes bytes from p and reports one of three outcomes:
//
//   - f == nil, err == nil: more bytes are needed; all of p was consumed.
//   - f != nil: a frame completed after consuming p[:n]; the rest of p has not
//     been looked at and should be passed to the next call.
//   - err != nil: the stream is corrupt (errors.Is(err, ErrCorruptFrame)).
//     The decoder is reset; the connection carrying the stream must be dropped.
func (d *Decoder) Decode(p []byte) (n int, f *Frame, err error) {
	if d.hdrN < LengthFieldSize {
		c := copy(d.hdr[d.hdrN:], p)
		d.hdrN += c
		n += c
		if d.hdrN < LengthFieldSize {
			return n, nil, nil
		}
		total, err := checkTotal(binary.BigEndian.Uint32(d.hdr[:]))
		if err != nil {
			d.Reset()
			return n, nil, err
		}
		d.body = make([]byte, total)
	}

	c := copy(d.body[d.bodyN:], p[n:])
	d.bodyN += c
	n += c

	// The type name length is validated as soon as it arrives so a corrupt
	// stream is rejected without waiting for the whole declared body.
	if !d.checked && d.bodyN >= TypeLenSize {
		if _, err := checkTypeName(d.body); err != nil {
			d.Reset()
			return n, nil, err
		}
		d.checked = true
	}

	if d.bodyN < len(d.body) {
		return n, nil, nil
	}
	f, err = parseBody(d.body)
	d.Reset()
	return n, f, err
}

// DecodeAll feeds all of p through the decoder and calls fn for every frame
// completed along the way. It stops at the first decode error or the first
// error returned by fn.
func (d *Decoder) DecodeAll(p []byte, fn func(*Frame) error) error {
	for len(p) > 0 {
		n, f, err := d.Decode(p)
		if err != nil {
			return err
		}
		p = p[n:]
		if f == nil {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// InProgress reports whether part of a frame has been buffered.
func (d *Decoder) InProgress() bool {
	return d.hdrN > 0
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.hdrN = 0
	d.body = nil
	d.bodyN = 0
	d.checked = false
}
