package requestStrategy

import (
	"iter"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
)

// Marks a piece that is no longer requestable.
const ConcReqFinished = -1

type pieceState struct {
	groupKey
	offered int
	// Verified, or otherwise no longer to be requested.
	finished bool
	// Excluded by file selection.
	unwanted bool
	// Back-pointer to the group the piece is currently filed under.
	group g.Option[groupKey]
}

func (me *pieceState) requestable() bool {
	return !me.finished && !me.unwanted
}

// PieceAvailability indexes pieces by their sort key. Pieces sharing a key form a group, and groups
// are kept in key order. Mutations made while an iterator is open are queued and applied when the
// last iterator finishes.
type PieceAvailability struct {
	pieces []pieceState
	groups map[groupKey]*roaring.Bitmap
	keys   *tidwallBtree
	frozen int
	queued []func()
	// Used to randomise order within a group. A nil value uses the global source.
	Rand *rand.Rand
}

func NewPieceAvailability(numPieces int) *PieceAvailability {
	me := &PieceAvailability{
		pieces: make([]pieceState, numPieces),
		groups: make(map[groupKey]*roaring.Bitmap),
		keys:   newTidwallBtree(),
	}
	for i := range me.pieces {
		me.file(i)
	}
	return me
}

func (me *PieceAvailability) NumPieces() int {
	return len(me.pieces)
}

func (me *PieceAvailability) unfile(i int) {
	ps := &me.pieces[i]
	key, ok := ps.group.Value, ps.group.Ok
	if !ok {
		return
	}
	ps.group.SetNone()
	bm := me.groups[key]
	bm.Remove(uint32(i))
	if bm.IsEmpty() {
		delete(me.groups, key)
		me.keys.Delete(key)
	}
}

func (me *PieceAvailability) file(i int) {
	ps := &me.pieces[i]
	panicif.True(ps.group.Ok)
	if !ps.requestable() {
		return
	}
	key := ps.groupKey
	bm, ok := me.groups[key]
	if !ok {
		bm = roaring.New()
		me.groups[key] = bm
		me.keys.Add(key)
	}
	bm.Add(uint32(i))
	ps.group = g.Some(key)
}

// Applies f to the piece state, refiling the piece if its key changed. Queued while frozen.
func (me *PieceAvailability) update(i int, f func(*pieceState)) {
	if me.frozen != 0 {
		me.queued = append(me.queued, func() { me.update(i, f) })
		return
	}
	me.unfile(i)
	f(&me.pieces[i])
	me.file(i)
}

func (me *PieceAvailability) SetPriority(pieces iter.Seq[int], prio piecePriority) {
	for i := range pieces {
		me.update(i, func(ps *pieceState) {
			ps.Priority = prio
		})
	}
}

func (me *PieceAvailability) SetWanted(i int, wanted bool) {
	me.update(i, func(ps *pieceState) {
		ps.unwanted = !wanted
	})
}

func (me *PieceAvailability) IncAvailability(i int) {
	me.update(i, func(ps *pieceState) {
		ps.Availability++
	})
}

func (me *PieceAvailability) DecAvailability(i int) {
	me.update(i, func(ps *pieceState) {
		panicif.LessThanOrEqual(ps.Availability, 0)
		ps.Availability--
	})
}

func (me *PieceAvailability) IncBitmap(bm *roaring.Bitmap) {
	bm.Iterate(func(x uint32) bool {
		me.IncAvailability(int(x))
		return true
	})
}

func (me *PieceAvailability) DecBitmap(bm *roaring.Bitmap) {
	bm.Iterate(func(x uint32) bool {
		me.DecAvailability(int(x))
		return true
	})
}

func (me *PieceAvailability) SetConcurrentReq(i, c int) {
	me.update(i, func(ps *pieceState) {
		ps.ConcReq = c
	})
}

func (me *PieceAvailability) SetFinishedReq(i, f int) {
	me.update(i, func(ps *pieceState) {
		ps.FinReq = f
	})
}

// The piece is complete and no longer requestable.
func (me *PieceAvailability) Remove(i int) {
	me.update(i, func(ps *pieceState) {
		ps.finished = true
		ps.ConcReq = ConcReqFinished
		ps.FinReq = 0
	})
}

// Returns the piece to the unrequested state, making it requestable again.
func (me *PieceAvailability) Reset(i int) {
	me.update(i, func(ps *pieceState) {
		ps.finished = false
		ps.ConcReq = 0
		ps.FinReq = 0
	})
}

// Offer counts don't affect ordering, so they're never queued.
func (me *PieceAvailability) IncOffered(i int) {
	me.pieces[i].offered++
}

func (me *PieceAvailability) DecOffered(i int) {
	ps := &me.pieces[i]
	panicif.LessThanOrEqual(ps.offered, 0)
	ps.offered--
}

func (me *PieceAvailability) Offered(i int) int {
	return me.pieces[i].offered
}

func (me *PieceAvailability) Availability(i int) int {
	return me.pieces[i].Availability
}

func (me *PieceAvailability) Priority(i int) piecePriority {
	return me.pieces[i].Priority
}

func (me *PieceAvailability) ConcurrentReq(i int) int {
	return me.pieces[i].ConcReq
}

func (me *PieceAvailability) FinishedReq(i int) int {
	return me.pieces[i].FinReq
}

func (me *PieceAvailability) Requestable(i int) bool {
	return me.pieces[i].requestable()
}

func (me *PieceAvailability) Freeze() {
	me.frozen++
}

func (me *PieceAvailability) Thaw() {
	panicif.LessThanOrEqual(me.frozen, 0)
	me.frozen--
	if me.frozen != 0 {
		return
	}
	queued := me.queued
	me.queued = nil
	for _, f := range queued {
		f()
	}
}

func (me *PieceAvailability) intN(n int) int {
	if me.Rand != nil {
		return me.Rand.IntN(n)
	}
	return rand.IntN(n)
}

// Yields requestable pieces for which have returns true, in ascending group order, skipping groups
// whose concurrent request count isn't allowed. Order within a group is random. The index is frozen
// while the iterator runs.
func (me *PieceAvailability) IterRequestable(
	have func(int) bool,
	allowedConcReq func(int) bool,
) iter.Seq[int] {
	return func(yield func(int) bool) {
		me.Freeze()
		defer me.Thaw()
		var keys []groupKey
		me.keys.Scan(func(key groupKey) bool {
			if allowedConcReq(key.ConcReq) {
				keys = append(keys, key)
			}
			return true
		})
		for _, key := range keys {
			members := me.groups[key].ToArray()
			// Selection without replacement.
			for n := len(members); n > 0; n-- {
				j := me.intN(n)
				i := int(members[j])
				members[j] = members[n-1]
				if !have(i) {
					continue
				}
				if !yield(i) {
					return
				}
			}
		}
	}
}

// Every piece still to be obtained has at least one outstanding request.
func (me *PieceAvailability) InEndgame() (endgame bool) {
	endgame = true
	me.keys.Scan(func(key groupKey) bool {
		if key.ConcReq == 0 {
			endgame = false
			return false
		}
		return true
	})
	return
}

// Checks the group index against the per-piece state. For tests.
func (me *PieceAvailability) checkInvariants() {
	for i := range me.pieces {
		ps := &me.pieces[i]
		if !ps.requestable() {
			panicif.True(ps.group.Ok)
			continue
		}
		panicif.False(ps.group.Ok)
		panicif.NotEq(ps.group.Value, ps.groupKey)
		panicif.False(me.groups[ps.groupKey].Contains(uint32(i)))
	}
	panicif.NotEq(len(me.groups), me.keys.Len())
	for _, bm := range me.groups {
		panicif.True(bm.IsEmpty())
	}
}
