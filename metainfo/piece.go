package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
)

type Piece struct {
	Info *Info
	i    PieceIndex
}

func (p Piece) String() string {
	return fmt.Sprintf("metainfo.Piece(Info.Name=%q, i=%v)", p.Info.Name, p.i)
}

type PieceIndex = int

// All pieces have the info's piece length except the last, which holds whatever remains.
func (p Piece) Length() int64 {
	i := p.i
	lastPiece := p.Info.NumPieces() - 1
	switch {
	case 0 <= i && i < lastPiece:
		return p.Info.PieceLength
	case lastPiece >= 0 && i == lastPiece:
		length := p.Info.TotalLength() - int64(i)*p.Info.PieceLength
		if length <= 0 || length > p.Info.PieceLength {
			panic(length)
		}
		return length
	default:
		panic(i)
	}
}

func (p Piece) Offset() int64 {
	return int64(p.i) * p.Info.PieceLength
}

func (p Piece) Hash() (ret Hash) {
	copy(ret[:], p.Info.Pieces[p.i*HashSize:(p.i+1)*HashSize])
	return
}

func (p Piece) Index() int {
	return p.i
}

// Hashes r in pieceLength chunks. The final short piece is hashed as-is.
func GeneratePieces(r io.Reader, pieceLength int64) (pieces []byte, err error) {
	for {
		h := sha1.New()
		var written int64
		written, err = io.CopyN(h, r, pieceLength)
		if written > 0 {
			pieces = h.Sum(pieces)
		}
		if err == io.EOF {
			err = nil
			return
		}
		if err != nil {
			return
		}
	}
}
