package peer_protocol

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
)

// A tagged union of the BitTorrent v1 messages. Type selects which of the fields are meaningful.
// Bitfield holds the raw packed bytes; it can only be validated against the torrent's piece count
// by the receiver.
type Message struct {
	Piece                []byte
	Bitfield             []byte
	Index, Begin, Length Integer
	Type                 MessageType
	Keepalive            bool
}

var _ interface {
	encoding.BinaryUnmarshaler
	encoding.BinaryMarshaler
} = (*Message)(nil)

func MakeCancelMessage(piece, offset, length Integer) Message {
	return Message{
		Type:   Cancel,
		Index:  piece,
		Begin:  offset,
		Length: length,
	}
}

func MakeHaveMessage(piece Integer) Message {
	return Message{
		Type:  Have,
		Index: piece,
	}
}

func (msg Message) String() string {
	if msg.Keepalive {
		return "Keepalive"
	}
	switch msg.Type {
	case Have:
		return fmt.Sprintf("Have(%v)", msg.Index)
	case Request, Cancel:
		return fmt.Sprintf("%v(%v, %v, %v)", msg.Type, msg.Index, msg.Begin, msg.Length)
	case Piece:
		return fmt.Sprintf("Piece(%v, %v, %d bytes)", msg.Index, msg.Begin, len(msg.Piece))
	case Bitfield:
		return fmt.Sprintf("Bitfield(%d bytes)", len(msg.Bitfield))
	}
	return msg.Type.String()
}

// Length of the frame body, excluding the 4 byte length prefix.
func (msg Message) GetDataLength() (length int, err error) {
	if msg.Keepalive {
		return 0, nil
	}
	length = 1
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		length += 4
	case Request, Cancel:
		length += 12
	case Bitfield:
		length += len(msg.Bitfield)
	case Piece:
		length += 8 + len(msg.Piece)
	default:
		err = fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return
}

func (msg Message) AppendBinary(b []byte) ([]byte, error) {
	length, err := msg.GetDataLength()
	if err != nil {
		return b, err
	}
	b = Integer(length).appendTo(b)
	if msg.Keepalive {
		return b, nil
	}
	b = append(b, byte(msg.Type))
	switch msg.Type {
	case Have:
		b = msg.Index.appendTo(b)
	case Request, Cancel:
		b = msg.Index.appendTo(b)
		b = msg.Begin.appendTo(b)
		b = msg.Length.appendTo(b)
	case Bitfield:
		b = append(b, msg.Bitfield...)
	case Piece:
		b = msg.Index.appendTo(b)
		b = msg.Begin.appendTo(b)
		b = append(b, msg.Piece...)
	}
	return b, nil
}

func (msg Message) MarshalBinary() (data []byte, err error) {
	length, err := msg.GetDataLength()
	if err != nil {
		return
	}
	return msg.AppendBinary(make([]byte, 0, 4+length))
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (msg Message) WriteTo(w io.Writer) (n int64, err error) {
	b, err := msg.MarshalBinary()
	if err != nil {
		return
	}
	n1, err := w.Write(b)
	return int64(n1), err
}

// Decodes exactly one frame, including its length prefix.
func (me *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return io.ErrUnexpectedEOF
	}
	length := binary.BigEndian.Uint32(b)
	if int64(length) != int64(len(b)-4) {
		return fmt.Errorf("frame length %v doesn't match %v bytes of data", length, len(b)-4)
	}
	return me.unmarshalBody(b[4:])
}

func (me *Message) unmarshalBody(b []byte) (err error) {
	*me = Message{}
	if len(b) == 0 {
		me.Keepalive = true
		return nil
	}
	me.Type = MessageType(b[0])
	b = b[1:]
	if n, ok := me.Type.fixedPayloadLen(); ok && len(b) != n {
		return fmt.Errorf("%v message has %d payload bytes, expected %d", me.Type, len(b), n)
	}
	read := func(i *Integer) {
		if err != nil {
			return
		}
		err = i.UnmarshalBinary(b[:4])
		b = b[4:]
	}
	switch me.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		read(&me.Index)
	case Request, Cancel:
		read(&me.Index)
		read(&me.Begin)
		read(&me.Length)
	case Bitfield:
		me.Bitfield = append([]byte(nil), b...)
	case Piece:
		if len(b) < 8 {
			return io.ErrUnexpectedEOF
		}
		read(&me.Index)
		read(&me.Begin)
		me.Piece = append([]byte(nil), b...)
		me.Length = Integer(len(me.Piece))
	default:
		err = fmt.Errorf("unknown message type %#v", byte(me.Type))
	}
	return
}
