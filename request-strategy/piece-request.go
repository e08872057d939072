package requestStrategy

import (
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/panicif"

	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/types"
)

// Fragment bookkeeping for a piece with at least one fragment outstanding or completed but not yet
// verified.
type PieceRequest struct {
	index  pieceIndex
	chunks []ChunkSpec
	// Peers holding an outstanding request for each fragment. The refcount is the set's size.
	holders []map[Peer]struct{}
	// Fragments not yet completed by any peer.
	needed roaring.Bitmap
}

func NewPieceRequest(index pieceIndex, pieceLength, chunkSize int64) *PieceRequest {
	me := &PieceRequest{
		index:  index,
		chunks: types.ChunkSpecs(pieceLength, chunkSize),
	}
	me.holders = make([]map[Peer]struct{}, len(me.chunks))
	me.Reset()
	return me
}

func (me *PieceRequest) Index() pieceIndex {
	return me.index
}

func (me *PieceRequest) request(chunk int) Request {
	return Request{Index: pp.Integer(me.index), ChunkSpec: me.chunks[chunk]}
}

// Returns the fragment index for a chunk spec, if it's one of ours.
func (me *PieceRequest) chunkIndex(cs ChunkSpec) (int, bool) {
	i, ok := slices.BinarySearchFunc(me.chunks, cs.Begin, func(c ChunkSpec, begin pp.Integer) int {
		return int(c.Begin) - int(begin)
	})
	if !ok || me.chunks[i] != cs {
		return 0, false
	}
	return i, true
}

func (me *PieceRequest) refcount(chunk int) int {
	return len(me.holders[chunk])
}

// Chooses up to n needed fragments for peer, preferring the lowest refcount and skipping fragments
// peer already holds. Outside endgame only unrequested fragments are chosen. The chosen fragments
// are recorded as held by peer.
func (me *PieceRequest) Pick(peer Peer, n int, endgame bool) (ret []Request) {
	if n <= 0 {
		return
	}
	var candidates []int
	me.needed.Iterate(func(x uint32) bool {
		c := int(x)
		if _, held := me.holders[c][peer]; held {
			return true
		}
		if !endgame && me.refcount(c) != 0 {
			return true
		}
		candidates = append(candidates, c)
		return true
	})
	slices.SortStableFunc(candidates, func(a, b int) int {
		return me.refcount(a) - me.refcount(b)
	})
	for _, c := range candidates[:min(n, len(candidates))] {
		me.addHolder(c, peer)
		ret = append(ret, me.request(c))
	}
	return
}

func (me *PieceRequest) addHolder(chunk int, peer Peer) {
	if me.holders[chunk] == nil {
		me.holders[chunk] = make(map[Peer]struct{})
	}
	me.holders[chunk][peer] = struct{}{}
}

// Assigns an existing needed fragment to peer. Used when reassigning a failed request.
func (me *PieceRequest) Assign(cs ChunkSpec, peer Peer) bool {
	c, ok := me.chunkIndex(cs)
	if !ok || !me.needed.Contains(uint32(c)) {
		return false
	}
	me.addHolder(c, peer)
	return true
}

// Marks the fragment completed by peer. Returns the other peers that held a request for the same
// fragment. ok is false if the fragment wasn't needed, in which case the data should be discarded.
func (me *PieceRequest) Finish(cs ChunkSpec, peer Peer) (others []Peer, ok bool) {
	c, ok := me.chunkIndex(cs)
	if !ok || !me.needed.Contains(uint32(c)) {
		return nil, false
	}
	me.needed.Remove(uint32(c))
	for p := range me.holders[c] {
		if p != peer {
			others = append(others, p)
		}
	}
	me.holders[c] = nil
	return others, true
}

// The peer's request for the fragment is no longer outstanding.
func (me *PieceRequest) OnFail(cs ChunkSpec, peer Peer) {
	c, ok := me.chunkIndex(cs)
	if !ok {
		return
	}
	delete(me.holders[c], peer)
}

func (me *PieceRequest) Holds(cs ChunkSpec, peer Peer) bool {
	c, ok := me.chunkIndex(cs)
	if !ok {
		return false
	}
	_, held := me.holders[c][peer]
	return held
}

// The minimum refcount over needed fragments, or ConcReqFinished if none are needed.
func (me *PieceRequest) MinRefcount() (ret int) {
	ret = ConcReqFinished
	me.needed.Iterate(func(x uint32) bool {
		rc := me.refcount(int(x))
		if ret == ConcReqFinished || rc < ret {
			ret = rc
		}
		return ret != 0
	})
	return
}

// Fragments whose refcount equals the minimum.
func (me *PieceRequest) Current() (ret []ChunkSpec) {
	minRc := me.MinRefcount()
	me.needed.Iterate(func(x uint32) bool {
		if me.refcount(int(x)) == minRc {
			ret = append(ret, me.chunks[x])
		}
		return true
	})
	return
}

func (me *PieceRequest) Needed() int {
	return int(me.needed.GetCardinality())
}

func (me *PieceRequest) NumFinished() int {
	return len(me.chunks) - me.Needed()
}

func (me *PieceRequest) NumChunks() int {
	return len(me.chunks)
}

// Number of outstanding requests across all fragments.
func (me *PieceRequest) Outstanding() (n int) {
	for _, h := range me.holders {
		n += len(h)
	}
	return
}

// Back to fully unrequested. Any holders are forgotten.
func (me *PieceRequest) Reset() {
	me.needed.Clear()
	me.needed.AddRange(0, uint64(len(me.chunks)))
	clear(me.holders)
}

func (me *PieceRequest) checkInvariants() {
	for c, h := range me.holders {
		if !me.needed.Contains(uint32(c)) {
			panicif.NotEq(len(h), 0)
		}
	}
}
