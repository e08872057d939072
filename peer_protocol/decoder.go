package peer_protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

var ErrMessageTooLong = errors.New("message too long")

// Decodes frames out of a carryover buffer. Bytes are appended as they arrive from the transport in
// whatever sizes it provides, and zero or more complete frames are taken out after each append.
// Incomplete frames stay buffered until the rest arrives.
type Decoder struct {
	// Declared frame lengths above this fail decoding with ErrMessageTooLong. Zero means
	// DefaultMaxFrameLength.
	MaxLength Integer

	buf []byte
	off int
}

func (d *Decoder) maxLength() Integer {
	if d.MaxLength == 0 {
		return DefaultMaxFrameLength
	}
	return d.MaxLength
}

// Appends bytes read from the transport.
func (d *Decoder) Write(b []byte) (int, error) {
	if d.off != 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	d.buf = append(d.buf, b...)
	return len(b), nil
}

// The number of bytes held that haven't been decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Takes the next complete frame from the buffer. ok is false if there isn't a complete frame
// buffered yet. An error means the stream is no longer decodable.
func (d *Decoder) Next(msg *Message) (ok bool, err error) {
	b := d.buf[d.off:]
	if len(b) < 4 {
		d.compact()
		return false, nil
	}
	length := Integer(binary.BigEndian.Uint32(b))
	if length > d.maxLength() {
		return false, fmt.Errorf("%w: declared length %v", ErrMessageTooLong, length)
	}
	if len(b) < 4+int(length) {
		d.compact()
		return false, nil
	}
	err = msg.unmarshalBody(b[4 : 4+length])
	d.off += 4 + int(length)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Moves the unconsumed tail to the front so the buffer doesn't grow without bound.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}
