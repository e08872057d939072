package storage

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-i2p/metainfo"
)

type fileExtent struct {
	path   string
	offset int64
	length int64
}

// Stores piece data in the torrent's files under a data root. Files are created as needed.
type FileStore struct {
	mu          sync.RWMutex
	info        *metainfo.Info
	dataRoot    string
	files       []fileExtent
	pieceLength int64
}

var _ Store = (*FileStore)(nil)

// Every file path is checked to resolve inside dataRoot.
func NewFileStore(dataRoot string, info *metainfo.Info) (*FileStore, error) {
	me := &FileStore{
		info:        info,
		pieceLength: info.PieceLength,
	}
	if err := me.setRoot(dataRoot); err != nil {
		return nil, err
	}
	return me, nil
}

func (me *FileStore) setRoot(dataRoot string) error {
	var files []fileExtent
	for _, fi := range me.info.UpvertedFiles() {
		p, err := me.info.FilePath(dataRoot, fi)
		if err != nil {
			return err
		}
		files = append(files, fileExtent{path: p, offset: fi.TorrentOffset, length: fi.Length})
	}
	me.dataRoot = dataRoot
	me.files = files
	return nil
}

func (me *FileStore) DataRoot() string {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.dataRoot
}

// Calls f for each file region overlapping the torrent extent [off, off+n).
func (me *FileStore) forExtent(off, n int64, f func(fe fileExtent, fileOff int64, bufOff, length int64) error) error {
	end := off + n
	for _, fe := range me.files {
		feEnd := fe.offset + fe.length
		if feEnd <= off || fe.length == 0 {
			continue
		}
		if fe.offset >= end {
			break
		}
		begin := max(off, fe.offset)
		if err := f(fe, begin-fe.offset, begin-off, min(end, feEnd)-begin); err != nil {
			return err
		}
	}
	return nil
}

func (me *FileStore) WriteChunk(piece int, begin int64, b []byte) error {
	me.mu.RLock()
	defer me.mu.RUnlock()
	off := int64(piece)*me.pieceLength + begin
	if off+int64(len(b)) > me.info.TotalLength() {
		return errors.Errorf("write of %d bytes at %d overruns torrent", len(b), off)
	}
	return me.forExtent(off, int64(len(b)), func(fe fileExtent, fileOff, bufOff, length int64) error {
		if err := os.MkdirAll(filepath.Dir(fe.path), 0o750); err != nil {
			return err
		}
		f, err := os.OpenFile(fe.path, os.O_WRONLY|os.O_CREATE, 0o640)
		if err != nil {
			return err
		}
		_, err = f.WriteAt(b[bufOff:bufOff+length], fileOff)
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
		return err
	})
}

func (me *FileStore) ReadChunk(piece int, begin int64, b []byte) (n int, err error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	off := int64(piece)*me.pieceLength + begin
	want := min(int64(len(b)), me.info.TotalLength()-off)
	if want <= 0 {
		return 0, io.EOF
	}
	err = me.forExtent(off, want, func(fe fileExtent, fileOff, bufOff, length int64) error {
		f, err := os.Open(fe.path)
		if err != nil {
			return err
		}
		defer f.Close()
		read, err := f.ReadAt(b[bufOff:bufOff+length], fileOff)
		n += read
		if err == io.EOF && int64(read) == length {
			err = nil
		}
		return err
	})
	if err == nil && int64(n) < int64(len(b)) {
		err = io.EOF
	}
	return
}

// Moves the torrent's files to newRoot. Files that don't exist yet are skipped.
func (me *FileStore) Move(newRoot string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	oldFiles := me.files
	oldRoot := me.dataRoot
	if err := me.setRoot(newRoot); err != nil {
		return err
	}
	for i, fe := range me.files {
		if err := os.MkdirAll(filepath.Dir(fe.path), 0o750); err != nil {
			return err
		}
		err := os.Rename(oldFiles[i].path, fe.path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			// Put things back so the store still describes where the data is.
			me.files = oldFiles
			me.dataRoot = oldRoot
			return err
		}
	}
	return nil
}

func (me *FileStore) Close() error {
	return nil
}
