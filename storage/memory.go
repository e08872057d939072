package storage

import (
	"io"

	"github.com/anacrolix/sync"

	"github.com/anacrolix/torrent-i2p/metainfo"
)

// Holds all piece data in memory. Useful for tests and ephemeral seeding.
type MemoryStore struct {
	mu          sync.Mutex
	data        []byte
	pieceLength int64
	writes      int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(info *metainfo.Info) *MemoryStore {
	return &MemoryStore{
		data:        make([]byte, info.TotalLength()),
		pieceLength: info.PieceLength,
	}
}

// Returns a store already holding data, for seeding.
func NewMemoryStoreFromBytes(info *metainfo.Info, data []byte) *MemoryStore {
	ms := NewMemoryStore(info)
	copy(ms.data, data)
	return ms
}

func (me *MemoryStore) WriteChunk(piece int, begin int64, b []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	off := int64(piece)*me.pieceLength + begin
	if off+int64(len(b)) > int64(len(me.data)) {
		return io.ErrShortWrite
	}
	copy(me.data[off:], b)
	me.writes++
	return nil
}

func (me *MemoryStore) ReadChunk(piece int, begin int64, b []byte) (n int, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	off := int64(piece)*me.pieceLength + begin
	if off >= int64(len(me.data)) {
		return 0, io.EOF
	}
	n = copy(b, me.data[off:])
	if n < len(b) {
		err = io.EOF
	}
	return
}

// The number of successful chunk writes.
func (me *MemoryStore) Writes() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.writes
}

func (me *MemoryStore) Bytes() []byte {
	me.mu.Lock()
	defer me.mu.Unlock()
	return append([]byte(nil), me.data...)
}

func (me *MemoryStore) Close() error {
	return nil
}
