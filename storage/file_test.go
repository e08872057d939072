package storage

import (
	"bytes"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-i2p/metainfo"
)

func randomData(n int) []byte {
	b := make([]byte, n)
	r := rand.New(rand.NewPCG(uint64(n), 0))
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

// A multi-file torrent whose pieces straddle file boundaries, with a short last piece.
func multiFileInfo(t *testing.T, data []byte) *metainfo.Info {
	info := &metainfo.Info{
		Name:        "multi",
		PieceLength: 8,
		Files: []metainfo.FileInfo{
			{Length: 5, Path: []string{"a"}},
			{Length: 0, Path: []string{"empty"}},
			{Length: 9, Path: []string{"dir", "b"}},
			{Length: 6, Path: []string{"c"}},
		},
	}
	require.NoError(t, info.GeneratePieces(func(fi metainfo.FileInfo) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data[fi.TorrentOffset : fi.TorrentOffset+fi.Length])), nil
	}))
	require.NoError(t, info.Validate())
	return info
}

func writeAllPieces(t *testing.T, s Store, info *metainfo.Info, data []byte) {
	for i := range info.NumPieces() {
		p := info.Piece(i)
		require.NoError(t, s.WriteChunk(i, 0, data[p.Offset():p.Offset()+p.Length()]))
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	data := randomData(20)
	info := multiFileInfo(t, data)
	root := t.TempDir()
	fs, err := NewFileStore(root, info)
	require.NoError(t, err)
	writeAllPieces(t, fs, info, data)
	for i := range info.NumPieces() {
		ok, err := VerifyPiece(fs, info, i)
		require.NoError(t, err)
		assert.True(t, ok, "piece %d", i)
	}
	b, err := os.ReadFile(filepath.Join(root, "multi", "dir", "b"))
	require.NoError(t, err)
	assert.Equal(t, data[5:14], b)

	// The last piece is short, and reads stop there.
	buf := make([]byte, 8)
	n, err := fs.ReadChunk(2, 0, buf)
	qt.Check(t, qt.Equals(n, 4))
	qt.Check(t, qt.ErrorIs(err, io.EOF))
	qt.Check(t, qt.DeepEquals(buf[:n], data[16:]))
	qt.Check(t, qt.IsNotNil(fs.WriteChunk(2, 0, buf)))
}

func TestFileStoreCorruptPieceFailsVerify(t *testing.T) {
	data := randomData(20)
	info := multiFileInfo(t, data)
	fs, err := NewFileStore(t.TempDir(), info)
	require.NoError(t, err)
	writeAllPieces(t, fs, info, data)
	require.NoError(t, fs.WriteChunk(1, 3, []byte{^data[11]}))
	ok, err := VerifyPiece(fs, info, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRejectsEscapingPaths(t *testing.T) {
	info := &metainfo.Info{
		Name:        "x",
		PieceLength: 1,
		Files:       []metainfo.FileInfo{{Length: 1, Path: []string{"..", "..", "evil"}}},
	}
	_, err := NewFileStore(t.TempDir(), info)
	qt.Check(t, qt.ErrorIs(err, metainfo.ErrPathEscapesRoot))
}

func TestFileStoreMove(t *testing.T) {
	data := randomData(20)
	info := multiFileInfo(t, data)
	fs, err := NewFileStore(t.TempDir(), info)
	require.NoError(t, err)
	writeAllPieces(t, fs, info, data)
	newRoot := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, fs.Move(newRoot))
	qt.Check(t, qt.Equals(fs.DataRoot(), newRoot))
	for i := range info.NumPieces() {
		ok, err := VerifyPiece(fs, info, i)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMemoryStore(t *testing.T) {
	data := randomData(20)
	info := multiFileInfo(t, data)
	ms := NewMemoryStore(info)
	writeAllPieces(t, ms, info, data)
	qt.Check(t, qt.Equals(ms.Writes(), 3))
	qt.Check(t, qt.DeepEquals(ms.Bytes(), data))
	ok, err := VerifyPiece(ms, info, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(ok))
}
