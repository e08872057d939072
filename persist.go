package torrent

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-i2p/bencode"
	"github.com/anacrolix/torrent-i2p/metainfo"
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/types"
)

// Keys and encodings of the client state kept in the Persister. Values are bencoded.

const (
	queueKey = "BtQueue-queue"
	// Written by older versions. Only read, and only when allowed by the config.
	legacyQueueKey = "MultiBt-torrentQueue"

	queueVersion        = 1
	filePriorityVersion = 1

	queueTypeBt      = "bt"
	queueStateRun    = "running"
	queueStateStop   = "stopped"
	handlerStatus    = "PersistentStatus"
	handlerSuperSeed = "SuperSeedingHandler"
	handlerFilePrio  = "FilePriority"
	handlerMetainfo  = "Metainfo"
)

var errPersistVersion = errors.New("unsupported persisted version")

func torrentKey(id, handler, name string) string {
	return "Bt" + id + "-" + handler + "-" + name
}

func bitfieldKey(id string) string     { return torrentKey(id, handlerStatus, "bitfield") }
func superSeedingKey(id string) string { return torrentKey(id, handlerSuperSeed, "enabled") }
func filePriorityKey(id string) string { return torrentKey(id, handlerFilePrio, "fileInfo") }
func metainfoKey(id string) string     { return torrentKey(id, handlerMetainfo, "torrent") }

// All keys belonging to a torrent.
func torrentKeys(id string) []string {
	return []string{bitfieldKey(id), superSeedingKey(id), filePriorityKey(id), metainfoKey(id)}
}

type queueEntry struct {
	ID       string
	DataPath string
	Running  bool
}

func marshalQueue(entries []queueEntry) []byte {
	ids := make([]interface{}, 0, len(entries))
	info := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
		state := queueStateStop
		if e.Running {
			state = queueStateRun
		}
		info[e.ID] = map[string]interface{}{
			"type":     queueTypeBt,
			"dataPath": e.DataPath,
			"state":    state,
		}
	}
	return bencode.MustMarshal(map[string]interface{}{
		"version":   int64(queueVersion),
		"queue":     ids,
		"queueInfo": info,
	})
}

// Parses a queue. The legacy form lacks the version.
func unmarshalQueue(b []byte, legacy bool) (ret []queueEntry, err error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("queue is not a dict")
	}
	if !legacy {
		version, _ := bencode.DictInt(d, "version")
		if version != queueVersion {
			return nil, fmt.Errorf("%w: queue version %v", errPersistVersion, version)
		}
	}
	ids, _ := bencode.DictList(d, "queue")
	info, _ := bencode.DictDict(d, "queueInfo")
	for _, x := range ids {
		id, ok := x.(string)
		if !ok {
			return nil, errors.New("queue id is not a string")
		}
		e := queueEntry{ID: id, Running: legacy}
		qi, _ := bencode.DictDict(info, id)
		if typ, ok := bencode.DictString(qi, "type"); ok && typ != queueTypeBt {
			continue
		}
		e.DataPath, _ = bencode.DictString(qi, "dataPath")
		if state, ok := bencode.DictString(qi, "state"); ok {
			e.Running = state == queueStateRun
		}
		ret = append(ret, e)
	}
	return
}

func marshalBitfield(have *roaring.Bitmap, numPieces int) []byte {
	return bencode.MustMarshal(string(pp.MarshalBitfield(have, numPieces)))
}

func unmarshalBitfield(b []byte, numPieces int) (*roaring.Bitmap, error) {
	var s string
	if err := bencode.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return pp.UnmarshalBitfield([]byte(s), numPieces)
}

func marshalBool(b bool) []byte {
	var i int64
	if b {
		i = 1
	}
	return bencode.MustMarshal(i)
}

func unmarshalBool(b []byte) (bool, error) {
	var i int64
	err := bencode.Unmarshal(b, &i)
	return i != 0, err
}

// The file list form is ([{firstPiece, lastPiece, wanted, priority}, ...], version).
func marshalFilePriorities(files []metainfo.FileInfo, prios []filePriority, pieceLength int64) []byte {
	l := make([]interface{}, 0, len(files))
	for i, f := range files {
		begin, end := f.PieceRange(pieceLength)
		var wanted int64
		if prios[i].Wanted {
			wanted = 1
		}
		l = append(l, map[string]interface{}{
			"firstPiece": int64(begin),
			"lastPiece":  int64(end - 1),
			"wanted":     wanted,
			"priority":   int64(prios[i].Priority),
		})
	}
	return bencode.MustMarshal([]interface{}{l, int64(filePriorityVersion)})
}

func unmarshalFilePriorities(b []byte, numFiles int) (ret []filePriority, err error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return
	}
	outer, ok := v.([]interface{})
	if !ok || len(outer) != 2 {
		return nil, errors.New("file priorities are not a pair")
	}
	if version, _ := outer[1].(int64); version != filePriorityVersion {
		return nil, fmt.Errorf("%w: file priorities version %v", errPersistVersion, outer[1])
	}
	l, ok := outer[0].([]interface{})
	if !ok || len(l) != numFiles {
		return nil, fmt.Errorf("expected %v file entries", numFiles)
	}
	for _, x := range l {
		d, ok := x.(map[string]interface{})
		if !ok {
			return nil, errors.New("file entry is not a dict")
		}
		wanted, _ := bencode.DictInt(d, "wanted")
		prio, _ := bencode.DictInt(d, "priority")
		p := types.PiecePriority(prio)
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPriority, prio)
		}
		ret = append(ret, filePriority{Priority: p, Wanted: wanted != 0})
	}
	return
}

func marshalMetainfo(mi *metainfo.MetaInfo) ([]byte, error) {
	var buf bytes.Buffer
	err := mi.Write(&buf)
	return buf.Bytes(), err
}

func (cl *Client) persistBitfield(t *Torrent) error {
	return cl.persister.Put(bitfieldKey(t.id), marshalBitfield(&t.have, t.numPieces()))
}

func (cl *Client) persistFilePriorities(t *Torrent) error {
	return cl.persister.Put(filePriorityKey(t.id), marshalFilePriorities(t.files, t.filePrio, t.info.PieceLength))
}

func (cl *Client) persistSuperSeeding(t *Torrent) error {
	return cl.persister.Put(superSeedingKey(t.id), marshalBool(t.superSeeder.enabled))
}

// Restores what's persisted for a torrent that was just created. Runs on the hub, before the
// torrent starts. Returns true if a completion bitfield was found.
func (t *Torrent) restorePersisted() (haveBitfield bool, err error) {
	p := t.cl.persister
	b, ok, err := p.Get(bitfieldKey(t.id))
	if err != nil {
		return
	}
	if ok {
		bm, err := unmarshalBitfield(b, t.numPieces())
		if err != nil {
			return false, fmt.Errorf("completion bitfield: %w", err)
		}
		t.restoreHave(bm)
		haveBitfield = true
	}
	b, ok, err = p.Get(filePriorityKey(t.id))
	if err != nil {
		return
	}
	if ok {
		prios, err := unmarshalFilePriorities(b, len(t.files))
		if err != nil {
			return haveBitfield, fmt.Errorf("file priorities: %w", err)
		}
		t.filePrio = prios
		t.updatePiecePriorities()
	}
	b, ok, err = p.Get(superSeedingKey(t.id))
	if err != nil {
		return
	}
	enabled := t.cl.config.DefaultSuperSeeding
	if ok {
		enabled, err = unmarshalBool(b)
		if err != nil {
			return haveBitfield, fmt.Errorf("super-seeding flag: %w", err)
		}
	}
	t.superSeeder.setEnabled(enabled)
	return
}
