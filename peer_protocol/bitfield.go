package peer_protocol

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
)

var (
	ErrBitfieldLength  = errors.New("bitfield has wrong length")
	ErrBitfieldPadding = errors.New("bitfield has nonzero padding bits")
)

func BitfieldLen(numPieces int) int {
	return (numPieces + 7) / 8
}

// Packs the bits in [0, numPieces) MSB-first. Trailing pad bits are zero.
func MarshalBitfield(bm *roaring.Bitmap, numPieces int) (b []byte) {
	b = make([]byte, BitfieldLen(numPieces))
	it := bm.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= numPieces {
			break
		}
		b[i/8] |= 1 << uint(7-i%8)
	}
	return
}

// Unpacks a bitfield received for a torrent with numPieces pieces, rejecting wrong lengths and set
// padding bits.
func UnmarshalBitfield(b []byte, numPieces int) (bm *roaring.Bitmap, err error) {
	if len(b) != BitfieldLen(numPieces) {
		return nil, ErrBitfieldLength
	}
	bm = roaring.New()
	for i, c := range b {
		for j := 0; j < 8; j++ {
			if c&(0x80>>uint(j)) == 0 {
				continue
			}
			index := i*8 + j
			if index >= numPieces {
				return nil, ErrBitfieldPadding
			}
			bm.AddInt(index)
		}
	}
	return
}
