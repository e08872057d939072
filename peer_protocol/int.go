package peer_protocol

import (
	"encoding/binary"
	"io"
)

// All counters on the wire are 32-bit unsigned big-endian.
type Integer uint32

func (i *Integer) Read(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, i)
}

func (i *Integer) UnmarshalBinary(b []byte) error {
	if len(b) != 4 {
		return io.ErrUnexpectedEOF
	}
	*i = Integer(binary.BigEndian.Uint32(b))
	return nil
}

func (i Integer) appendTo(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(i))
}

func (i Integer) Int() int {
	return int(i)
}

func (i Integer) Int64() int64 {
	return int64(i)
}

func (i Integer) Uint32() uint32 {
	return uint32(i)
}
