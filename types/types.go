// package types contains types that are used by the request strategy and the torrent package and
// need to be shared between them.
package types

import (
	"fmt"

	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
)

type PieceIndex = int

type ChunkSpec struct {
	Begin, Length pp.Integer
}

// The end offset of the chunk within its piece.
func (cs ChunkSpec) End() pp.Integer {
	return cs.Begin + cs.Length
}

type Request struct {
	Index pp.Integer
	ChunkSpec
}

func (r Request) String() string {
	return fmt.Sprintf("piece %v, %v bytes at %v", r.Index, r.Length, r.Begin)
}

func (r Request) ToMsg(mt pp.MessageType) pp.Message {
	return pp.Message{
		Type:   mt,
		Index:  r.Index,
		Begin:  r.Begin,
		Length: r.Length,
	}
}

func RequestFromMessage(msg *pp.Message) Request {
	return Request{msg.Index, ChunkSpec{msg.Begin, msg.Length}}
}

func MakeRequest(piece PieceIndex, begin, length int64) Request {
	return Request{pp.Integer(piece), ChunkSpec{pp.Integer(begin), pp.Integer(length)}}
}

// Describes the importance of obtaining a particular piece. Higher is more preferred. Negative
// values are valid and sort below the default.
type PiecePriority int

const (
	PiecePriorityLow    PiecePriority = -1
	PiecePriorityNormal PiecePriority = 0
	PiecePriorityHigh   PiecePriority = 1
	PiecePriorityNow    PiecePriority = 2
)

// The priorities accepted from the control surface. Anything else is rejected at the boundary.
func (me PiecePriority) Valid() bool {
	return me >= -2 && me <= 2
}

// Splits a piece of length pieceLength into chunks of at most chunkSize, the last being short if
// the piece isn't a multiple of the chunk size.
func ChunkSpecs(pieceLength, chunkSize int64) (ret []ChunkSpec) {
	for begin := int64(0); begin < pieceLength; begin += chunkSize {
		ret = append(ret, ChunkSpec{
			Begin:  pp.Integer(begin),
			Length: pp.Integer(min(chunkSize, pieceLength-begin)),
		})
	}
	return
}

func NumChunks(pieceLength, chunkSize int64) int {
	return int((pieceLength + chunkSize - 1) / chunkSize)
}
