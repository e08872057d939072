package torrent

import (
	"maps"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"

	"github.com/anacrolix/torrent-i2p/metainfo"
	"github.com/anacrolix/torrent-i2p/types"
)

type filePriority struct {
	Priority types.PiecePriority
	Wanted   bool
}

// Files of the torrent, with offsets into the concatenated data.
func (t *Torrent) Files() []metainfo.FileInfo {
	return slices.Clone(t.files)
}

func (t *Torrent) checkFileIndex(i int) error {
	if i < 0 || i >= len(t.files) {
		return ErrFileIndex
	}
	return nil
}

// Recomputes piece priorities from the file priorities. A piece takes the highest priority of the
// wanted files it overlaps, and is unwanted only if no wanted file overlaps it. Runs on the hub.
func (t *Torrent) updatePiecePriorities() {
	n := t.numPieces()
	prios := make([]types.PiecePriority, n)
	var wanted roaring.Bitmap
	for fi, f := range t.files {
		fp := t.filePrio[fi]
		if !fp.Wanted {
			continue
		}
		begin, end := f.PieceRange(t.info.PieceLength)
		for i := begin; i < end; i++ {
			if wanted.CheckedAdd(uint32(i)) || fp.Priority > prios[i] {
				prios[i] = fp.Priority
			}
		}
	}
	byPrio := make(map[types.PiecePriority][]int)
	for i := range n {
		t.availability.SetWanted(i, wanted.Contains(uint32(i)))
		byPrio[prios[i]] = append(byPrio[prios[i]], i)
	}
	for _, p := range slices.Sorted(maps.Keys(byPrio)) {
		t.availability.SetPriority(slices.Values(byPrio[p]), p)
	}
	t.unwanted.Clear()
	t.unwanted.AddRange(0, uint64(n))
	t.unwanted.AndNot(&wanted)
}

// Applies a change to one file's priority, then re-evaluates interest and requests. Runs on the
// hub.
func (t *Torrent) changeFilePriority(i int, f func(*filePriority)) {
	before := t.filePrio[i]
	f(&t.filePrio[i])
	if t.filePrio[i] == before {
		return
	}
	t.updatePiecePriorities()
	if err := t.cl.persistFilePriorities(t); err != nil {
		t.logger.Levelf(log.Error, "persisting file priorities: %v", err)
	}
	for c := range t.conns {
		c.updateInterest()
		c.fill()
	}
	t.scheduler.FillWaiting()
}

type FileStats struct {
	Path     string
	Length   int64
	Priority types.PiecePriority
	Wanted   bool
	// Bytes of the file in pieces we have.
	BytesCompleted int64
}

// Runs on the hub.
func (t *Torrent) fileStats() (ret []FileStats) {
	for fi, f := range t.files {
		fs := FileStats{
			Path:     f.DisplayPath(t.info),
			Length:   f.Length,
			Priority: t.filePrio[fi].Priority,
			Wanted:   t.filePrio[fi].Wanted,
		}
		begin, end := f.PieceRange(t.info.PieceLength)
		for i := begin; i < end; i++ {
			if !t.have.Contains(uint32(i)) {
				continue
			}
			p := t.info.Piece(i)
			lo := max(p.Offset(), f.TorrentOffset)
			hi := min(p.Offset()+p.Length(), f.TorrentOffset+f.Length)
			fs.BytesCompleted += hi - lo
		}
		ret = append(ret, fs)
	}
	return
}
