package requestStrategy

import (
	"github.com/anacrolix/torrent-i2p/types"
)

type SchedulerConfig struct {
	// Target outstanding requests per peer.
	Depth     int
	ChunkSize int64
	// Availability dominates progress when choosing pieces. By default pieces already in progress
	// are finished before fresh ones are started.
	StrictAvailabilityPrio bool
	PieceLength            func(i pieceIndex) int64
}

// Scheduler decides which fragments to request from which peers. It isn't safe for concurrent use;
// the owning torrent drives it from a single goroutine.
type Scheduler struct {
	SchedulerConfig
	Availability *PieceAvailability
	pieces       map[pieceIndex]*PieceRequest
	// Peers that had nothing to request at their last fill.
	waiting map[Peer]struct{}
}

func NewScheduler(cfg SchedulerConfig, avail *PieceAvailability) *Scheduler {
	return &Scheduler{
		SchedulerConfig: cfg,
		Availability:    avail,
		pieces:          make(map[pieceIndex]*PieceRequest),
		waiting:         make(map[Peer]struct{}),
	}
}

// The in-progress state for piece i, if any.
func (s *Scheduler) PieceRequest(i pieceIndex) *PieceRequest {
	return s.pieces[i]
}

func (s *Scheduler) Waiting(p Peer) bool {
	_, ok := s.waiting[p]
	return ok
}

func (s *Scheduler) NumWaiting() int {
	return len(s.waiting)
}

func (s *Scheduler) pieceRequest(i pieceIndex) *PieceRequest {
	pr, ok := s.pieces[i]
	if !ok {
		pr = NewPieceRequest(i, s.PieceLength(i), s.ChunkSize)
		s.pieces[i] = pr
	}
	return pr
}

// Pushes the piece request's state into the availability index, and forgets piece requests that
// have nothing outstanding and nothing completed.
func (s *Scheduler) updatePiece(pr *PieceRequest) {
	i := pr.Index()
	if pr.NumFinished() == 0 && pr.Outstanding() == 0 {
		delete(s.pieces, i)
	}
	if !s.Availability.Requestable(i) {
		return
	}
	s.Availability.SetConcurrentReq(i, pr.MinRefcount())
	s.Availability.SetFinishedReq(i, pr.NumFinished())
}

// Requests up to need fragments of piece i from p. Returns how many were sent, and false if p
// stopped accepting requests.
func (s *Scheduler) requestFromPiece(p Peer, i pieceIndex, need int, endgame bool) (sent int, more bool) {
	pr := s.pieceRequest(i)
	defer s.updatePiece(pr)
	reqs := pr.Pick(p, need, endgame)
	for j, r := range reqs {
		if !p.Request(r) {
			for _, r := range reqs[j:] {
				pr.OnFail(r.ChunkSpec, p)
			}
			return sent, false
		}
		sent++
	}
	return sent, true
}

// Tops up p's outstanding requests to the configured depth. Returns the number of requests sent.
func (s *Scheduler) Fill(p Peer) (sent int) {
	need := s.Depth - p.NumRequests()
	if need <= 0 {
		return
	}
	peerHas := func(started bool) func(int) bool {
		return func(i int) bool {
			if !p.PeerHas(i) {
				return false
			}
			_, ok := s.pieces[i]
			return ok == started
		}
	}
	zeroConcReq := func(c int) bool { return c == 0 }
	var passes []func(int) bool
	if s.StrictAvailabilityPrio {
		passes = append(passes, p.PeerHas)
	} else {
		// Finish what's in progress before starting fresh pieces.
		passes = append(passes, peerHas(true), peerHas(false))
	}
	more := true
	pass := func(have func(int) bool, allowed func(int) bool, endgame bool) {
		for i := range s.Availability.IterRequestable(have, allowed) {
			var n int
			n, more = s.requestFromPiece(p, i, need-sent, endgame)
			sent += n
			if !more || sent >= need {
				return
			}
		}
	}
	for _, have := range passes {
		pass(have, zeroConcReq, false)
		if !more || sent >= need {
			break
		}
	}
	if more && sent < need && s.Availability.InEndgame() {
		pass(p.PeerHas, func(c int) bool { return c >= 1 }, true)
	}
	if sent != 0 {
		delete(s.waiting, p)
	} else {
		s.waiting[p] = struct{}{}
	}
	return
}

type PieceResult struct {
	// The data matched an outstanding request and should be written to storage.
	Accepted bool
	// Every fragment of the piece is now complete, and it should be verified.
	Complete bool
	// Peers that held the same request and were sent a cancel.
	Cancelled []Peer
}

// Handles a PIECE for r received from p.
func (s *Scheduler) OnPiece(p Peer, r Request) (ret PieceResult) {
	pr, ok := s.pieces[types.PieceIndex(r.Index)]
	if !ok {
		return
	}
	others, ok := pr.Finish(r.ChunkSpec, p)
	if !ok {
		return
	}
	ret.Accepted = true
	for _, o := range others {
		o.Cancel(r)
	}
	ret.Cancelled = others
	ret.Complete = pr.Needed() == 0
	s.updatePiece(pr)
	return
}

// Handles the result of hashing a completed piece.
func (s *Scheduler) OnPieceVerified(i pieceIndex, ok bool) {
	if ok {
		delete(s.pieces, i)
		s.Availability.Remove(i)
		return
	}
	if pr, ok := s.pieces[i]; ok {
		pr.Reset()
		delete(s.pieces, i)
	}
	s.Availability.Reset(i)
	s.fillWaiting(func(p Peer) bool { return p.PeerHas(i) })
}

// Marks the piece as already obtained, for example from resumed storage.
func (s *Scheduler) MarkHave(i pieceIndex) {
	delete(s.pieces, i)
	s.Availability.Remove(i)
}

// p's request r is no longer outstanding, because p went away or choked us. The request is
// reassigned to a waiting peer if one can take it.
func (s *Scheduler) OnFail(p Peer, r Request) {
	i := types.PieceIndex(r.Index)
	pr, ok := s.pieces[i]
	if !ok {
		return
	}
	pr.OnFail(r.ChunkSpec, p)
	defer s.updatePiece(pr)
	for w := range s.waiting {
		if w == p || !w.PeerHas(i) || w.HasRequest(r) || w.NumRequests() >= s.Depth {
			continue
		}
		if !pr.Assign(r.ChunkSpec, w) {
			return
		}
		if w.Request(r) {
			delete(s.waiting, w)
			return
		}
		pr.OnFail(r.ChunkSpec, w)
	}
}

func (s *Scheduler) OnPeerGone(p Peer) {
	delete(s.waiting, p)
}

// p has advertised new pieces.
func (s *Scheduler) OnAvailability(p Peer) int {
	return s.Fill(p)
}

// Refills waiting peers matching filter. Returns the number of requests sent.
func (s *Scheduler) fillWaiting(filter func(Peer) bool) (sent int) {
	var peers []Peer
	for p := range s.waiting {
		if filter(p) {
			peers = append(peers, p)
		}
	}
	for _, p := range peers {
		sent += s.Fill(p)
	}
	return
}

// Refills all waiting peers, for example after a priority change.
func (s *Scheduler) FillWaiting() int {
	return s.fillWaiting(func(Peer) bool { return true })
}

// We're a seed: nobody needs to wait for requests.
func (s *Scheduler) ClearWaiting() {
	clear(s.waiting)
}
