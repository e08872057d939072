package metainfo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-i2p/bencode"
)

// The info dictionary. Either Length (single file) or Files (multiple files) is set.
type Info struct {
	PieceLength int64
	Pieces      []byte
	Name        string
	Length      int64
	Files       []FileInfo
}

var (
	ErrMissingField   = errors.New("missing or mistyped field")
	ErrPiecesLength   = errors.New("pieces length doesn't match total length")
	ErrBadPieceLength = errors.New("piece length must be positive")
)

// Parses the decoded info dictionary.
func infoFromDict(d map[string]interface{}) (info Info, err error) {
	var ok bool
	if info.PieceLength, ok = bencode.DictInt(d, "piece length"); !ok {
		err = fmt.Errorf("piece length: %w", ErrMissingField)
		return
	}
	pieces, ok := bencode.DictString(d, "pieces")
	if !ok {
		err = fmt.Errorf("pieces: %w", ErrMissingField)
		return
	}
	info.Pieces = []byte(pieces)
	if info.Name, ok = bencode.DictString(d, "name"); !ok {
		err = fmt.Errorf("name: %w", ErrMissingField)
		return
	}
	if files, ok := bencode.DictList(d, "files"); ok {
		for i, f := range files {
			fd, ok := f.(map[string]interface{})
			if !ok {
				err = fmt.Errorf("files[%d]: %w", i, ErrMissingField)
				return
			}
			var fi FileInfo
			if fi.Length, ok = bencode.DictInt(fd, "length"); !ok {
				err = fmt.Errorf("files[%d] length: %w", i, ErrMissingField)
				return
			}
			path, _ := bencode.DictList(fd, "path")
			for _, c := range path {
				s, ok := c.(string)
				if !ok {
					err = fmt.Errorf("files[%d] path: %w", i, ErrMissingField)
					return
				}
				fi.Path = append(fi.Path, s)
			}
			info.Files = append(info.Files, fi)
		}
	} else if info.Length, ok = bencode.DictInt(d, "length"); !ok {
		err = fmt.Errorf("length or files: %w", ErrMissingField)
		return
	}
	return
}

// The canonical dictionary form, suitable for bencode.Marshal.
func (info *Info) ToDict() map[string]interface{} {
	d := map[string]interface{}{
		"piece length": info.PieceLength,
		"pieces":       string(info.Pieces),
		"name":         info.Name,
	}
	if len(info.Files) == 0 {
		d["length"] = info.Length
		return d
	}
	var files []interface{}
	for _, fi := range info.Files {
		var path []interface{}
		for _, c := range fi.Path {
			path = append(path, c)
		}
		files = append(files, map[string]interface{}{
			"length": fi.Length,
			"path":   path,
		})
	}
	d["files"] = files
	return d
}

func (info *Info) MarshalBencode() ([]byte, error) {
	return bencode.Marshal(info.ToDict())
}

// Checks the descriptor invariants: sizes sum to the total length, and there's one 20-byte hash
// per piece.
func (info *Info) Validate() error {
	if info.PieceLength <= 0 {
		return ErrBadPieceLength
	}
	if info.Length < 0 {
		return fmt.Errorf("negative length %v", info.Length)
	}
	for i, fi := range info.Files {
		if fi.Length < 0 {
			return fmt.Errorf("files[%d]: negative length %v", i, fi.Length)
		}
		if len(fi.Path) == 0 {
			return fmt.Errorf("files[%d]: empty path", i)
		}
	}
	if len(info.Pieces)%HashSize != 0 {
		return fmt.Errorf("%w: %d bytes isn't a multiple of %d", ErrPiecesLength, len(info.Pieces), HashSize)
	}
	total := info.TotalLength()
	want := (total + info.PieceLength - 1) / info.PieceLength
	if int64(info.NumPieces()) != want {
		return fmt.Errorf("%w: have %d hashes, need %d", ErrPiecesLength, info.NumPieces(), want)
	}
	return nil
}

// This is a helper that sets Files and Pieces from a root path and its children.
func (info *Info) BuildFromFilePath(root string) (err error) {
	info.Name = filepath.Base(root)
	info.Files = nil
	err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			// Directories are implicit in torrent files.
			return nil
		} else if path == root {
			// The root is a file.
			info.Length = fi.Size()
			return nil
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("error getting relative path: %s", err)
		}
		info.Files = append(info.Files, FileInfo{
			Path:   strings.Split(relPath, string(filepath.Separator)),
			Length: fi.Size(),
		})
		return nil
	})
	if err != nil {
		return
	}
	sort.Slice(info.Files, func(i, j int) bool {
		return strings.Join(info.Files[i].Path, "/") < strings.Join(info.Files[j].Path, "/")
	})
	if info.PieceLength == 0 {
		info.PieceLength = ChoosePieceLength(info.TotalLength())
	}
	err = info.GeneratePieces(func(fi FileInfo) (io.ReadCloser, error) {
		return os.Open(filepath.Join(root, filepath.Join(fi.Path...)))
	})
	if err != nil {
		err = fmt.Errorf("error generating pieces: %s", err)
	}
	return
}

// Concatenates all the files in the torrent into w. open is a function that
// gets at the contents of the given file.
func (info *Info) writeFiles(w io.Writer, open func(fi FileInfo) (io.ReadCloser, error)) error {
	for _, fi := range info.UpvertedFiles() {
		r, err := open(fi)
		if err != nil {
			return fmt.Errorf("error opening %v: %s", fi, err)
		}
		wn, err := io.CopyN(w, r, fi.Length)
		r.Close()
		if wn != fi.Length {
			return fmt.Errorf("error copying %v: %s", fi, err)
		}
	}
	return nil
}

// Sets Pieces (the block of piece hashes in the Info) by using the passed
// function to get at the torrent data.
func (info *Info) GeneratePieces(open func(fi FileInfo) (io.ReadCloser, error)) (err error) {
	if info.PieceLength == 0 {
		return ErrBadPieceLength
	}
	pr, pw := io.Pipe()
	go func() {
		err := info.writeFiles(pw, open)
		pw.CloseWithError(err)
	}()
	defer pr.Close()
	info.Pieces, err = GeneratePieces(pr, info.PieceLength)
	return
}

// Picks a power of two giving roughly a thousand pieces, bounded to [16 KiB, 4 MiB].
func ChoosePieceLength(totalLength int64) (pieceLength int64) {
	pieceLength = 16 << 10
	for pieceLength < 4<<20 && totalLength/pieceLength > 1024 {
		pieceLength <<= 1
	}
	return
}

func (info *Info) TotalLength() (ret int64) {
	for _, fi := range info.UpvertedFiles() {
		ret += fi.Length
	}
	return
}

func (info *Info) NumPieces() int {
	return len(info.Pieces) / HashSize
}

func (info *Info) IsDir() bool {
	return len(info.Files) != 0
}

// The files field, converted up from the old single-file in the parent info dict if necessary.
// TorrentOffset is filled in.
func (info *Info) UpvertedFiles() (files []FileInfo) {
	if len(info.Files) == 0 {
		return []FileInfo{{
			Length: info.Length,
			// Callers should determine that Info.Name is the basename, and
			// thus a regular file.
			Path: nil,
		}}
	}
	var offset int64
	for _, fi := range info.Files {
		fi.TorrentOffset = offset
		offset += fi.Length
		files = append(files, fi)
	}
	return
}

func (info *Info) Piece(index int) Piece {
	return Piece{info, index}
}
