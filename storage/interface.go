package storage

import (
	"crypto/sha1"
	"io"

	"github.com/anacrolix/torrent-i2p/metainfo"
)

// Store holds the piece data of a single torrent. Offsets are within the piece. Implementations
// must be safe for concurrent use, since peer connections read and write independently.
type Store interface {
	WriteChunk(piece int, begin int64, b []byte) error
	// Reads len(b) bytes, or fewer at the end of the piece.
	ReadChunk(piece int, begin int64, b []byte) (int, error)
	Close() error
}

// Reads the whole piece back and compares its SHA-1 against the info.
func VerifyPiece(s Store, info *metainfo.Info, piece int) (correct bool, err error) {
	p := info.Piece(piece)
	buf := make([]byte, p.Length())
	n, err := s.ReadChunk(piece, 0, buf)
	if err != nil && err != io.EOF {
		return
	}
	err = nil
	if int64(n) != p.Length() {
		return false, nil
	}
	return sha1.Sum(buf) == p.Hash(), nil
}
