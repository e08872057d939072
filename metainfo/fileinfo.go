package metainfo

import (
	"strings"
)

// Information specific to a single file inside the info dictionary.
type FileInfo struct {
	Length int64
	Path   []string
	// Offset of the file's first byte within the concatenated torrent data. Set by UpvertedFiles.
	TorrentOffset int64
}

func (fi *FileInfo) DisplayPath(info *Info) string {
	if info.IsDir() {
		return strings.Join(fi.Path, "/")
	} else {
		return info.Name
	}
}

// The pieces the file overlaps. Zero-length files overlap no pieces.
func (fi FileInfo) PieceRange(pieceLength int64) (begin, end int) {
	if fi.Length == 0 {
		return int(fi.TorrentOffset / pieceLength), int(fi.TorrentOffset / pieceLength)
	}
	begin = int(fi.TorrentOffset / pieceLength)
	end = int((fi.TorrentOffset + fi.Length + pieceLength - 1) / pieceLength)
	return
}
