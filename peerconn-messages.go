package torrent

import (
	"fmt"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/types"
)

var (
	errOutOfState      = errors.New("not valid in connection state")
	errOversizeRequest = errors.New("request too long")
	errBadPieceIndex   = errors.New("piece index out of range")
	errBadChunk        = errors.New("chunk outside piece")
)

func requireState(ok bool, what string) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s", errOutOfState, what)
}

// Each frame kind's precondition on the connection state. A frame failing its check is logged and
// discarded, and the connection stays up.
var messageChecks = map[pp.MessageType]func(c *PeerConn, msg *pp.Message) error{
	pp.Choke: func(c *PeerConn, _ *pp.Message) error {
		return requireState(!c.peerChoking, "already choked")
	},
	pp.Unchoke: func(c *PeerConn, _ *pp.Message) error {
		return requireState(c.peerChoking, "not choked")
	},
	pp.Interested: func(c *PeerConn, _ *pp.Message) error {
		return requireState(!c.peerInterested, "already interested")
	},
	pp.NotInterested: func(c *PeerConn, _ *pp.Message) error {
		return requireState(c.peerInterested, "not interested")
	},
	pp.Have: func(c *PeerConn, msg *pp.Message) error {
		if err := c.t.checkPieceIndex(msg.Index); err != nil {
			return err
		}
		return requireState(!c.PeerHas(msg.Index.Int()), "piece already advertised")
	},
	pp.Bitfield: func(c *PeerConn, msg *pp.Message) error {
		if err := requireState(!c.receivedMessage, "bitfield after first message"); err != nil {
			return err
		}
		_, err := pp.UnmarshalBitfield(msg.Bitfield, c.t.numPieces())
		return err
	},
	pp.Request: func(c *PeerConn, msg *pp.Message) error {
		r := types.RequestFromMessage(msg)
		if int(r.Length) > c.t.cl.config.MaxRequestLength {
			oversizeRequestsReceived.Add(1)
			return fmt.Errorf("%w: %v bytes", errOversizeRequest, r.Length)
		}
		if err := c.t.checkRequest(r); err != nil {
			return err
		}
		if err := requireState(!c.amChoking, "peer is choked"); err != nil {
			return err
		}
		if !c.t.have.Contains(uint32(r.Index)) {
			requestsReceivedForMissingPieces.Add(1)
			return requireState(false, "we don't have the piece")
		}
		return requireState(c.findPeerRequest(r) == nil, "already queued")
	},
	pp.Piece: func(c *PeerConn, msg *pp.Message) error {
		r := Request{Index: msg.Index, ChunkSpec: ChunkSpec{Begin: msg.Begin, Length: pp.Integer(len(msg.Piece))}}
		if !c.HasRequest(r) {
			unexpectedChunksReceived.Add(1)
			return requireState(false, "not requested")
		}
		return nil
	},
	pp.Cancel: func(c *PeerConn, msg *pp.Message) error {
		if c.findPeerRequest(types.RequestFromMessage(msg)) == nil {
			unexpectedCancels.Add(1)
			return requireState(false, "no such queued request")
		}
		return nil
	},
}

func checkMessage(c *PeerConn, msg *pp.Message) error {
	check, ok := messageChecks[msg.Type]
	if !ok {
		return fmt.Errorf("unhandled message type %v", msg.Type)
	}
	return check(c, msg)
}

func (t *Torrent) checkPieceIndex(i pp.Integer) error {
	if i.Int() >= t.numPieces() {
		return fmt.Errorf("%w: %v", errBadPieceIndex, i)
	}
	return nil
}

func (t *Torrent) checkRequest(r Request) error {
	if err := t.checkPieceIndex(r.Index); err != nil {
		return err
	}
	if r.Length == 0 || int64(r.Begin)+int64(r.Length) > t.pieceLength(r.Index.Int()) {
		return fmt.Errorf("%w: %v", errBadChunk, r)
	}
	return nil
}

// Handles a frame in wire order for its connection.
func (t *Torrent) onMessage(c *PeerConn, msg *pp.Message) {
	if c.dropped {
		return
	}
	if msg.Keepalive {
		receivedKeepalives.Add(1)
		return
	}
	messageTypesReceived.Add(msg.Type.String(), 1)
	c.allStats(func(cs *ConnStats) { cs.readMsg(msg) })
	err := checkMessage(c, msg)
	c.receivedMessage = true
	if err != nil {
		messageTypesRejected.Add(msg.Type.String(), 1)
		level := log.Debug
		if errors.Is(err, errOversizeRequest) {
			level = log.Warning
		}
		c.logger.Levelf(level, "ignoring %v: %v", msg, err)
		return
	}
	switch msg.Type {
	case pp.Choke:
		c.peerChoking = true
		c.failRequests()
	case pp.Unchoke:
		c.peerChoking = false
		c.fill()
	case pp.Interested:
		c.peerInterested = true
		c.unchoke()
		c.maybeSendPiece()
	case pp.NotInterested:
		c.peerInterested = false
		c.peerRequests.Init()
	case pp.Have:
		i := msg.Index.Int()
		c.peerHave.Add(uint32(i))
		t.availability.IncAvailability(i)
		t.onPeerAvailability(c, func() { t.superSeeder.onHave(c, i) })
	case pp.Bitfield:
		bm, _ := pp.UnmarshalBitfield(msg.Bitfield, t.numPieces())
		bm.AndNot(&c.peerHave)
		c.peerHave.Or(bm)
		t.availability.IncBitmap(bm)
		t.onPeerAvailability(c, func() { t.superSeeder.onBitfield(c) })
	case pp.Request:
		c.peerRequests.PushBack(types.RequestFromMessage(msg))
		c.maybeSendPiece()
	case pp.Piece:
		t.onPieceData(c, msg)
	case pp.Cancel:
		c.peerRequests.Remove(c.findPeerRequest(types.RequestFromMessage(msg)))
	}
}

// The peer advertised more pieces.
func (t *Torrent) onPeerAvailability(c *PeerConn, superSeed func()) {
	if t.superSeeder.enabled {
		superSeed()
	}
	if t.cl.config.DropMutuallyCompletePeers && t.seeding() && c.peerIsSeed() {
		t.dropConn(c, errMutualSeed, false)
		return
	}
	c.updateInterest()
	c.fill()
}

func (t *Torrent) onPieceData(c *PeerConn, msg *pp.Message) {
	r := Request{Index: msg.Index, ChunkSpec: ChunkSpec{Begin: msg.Begin, Length: pp.Integer(len(msg.Piece))}}
	delete(c.requests, r)
	res := t.scheduler.OnPiece(c, r)
	if !res.Accepted {
		duplicateChunksReceived.Add(1)
		c.allStats(add(1, func(cs *ConnStats) *Count { return &cs.ChunksReadWasted }))
	} else {
		chunksReceived.Add(1)
		n := int64(len(msg.Piece))
		c.allStats(func(cs *ConnStats) {
			cs.BytesReadData.Add(n)
			cs.BytesReadUsefulData.Add(n)
			cs.ChunksReadUseful.Add(1)
		})
		i := r.Index.Int()
		if err := t.store.WriteChunk(i, int64(r.Begin), msg.Piece); err != nil {
			t.logger.Levelf(log.Error, "writing %v: %v", r, err)
			// The fragment is lost, and only the whole piece can be rerequested.
			t.scheduler.OnPieceVerified(i, false)
		} else if res.Complete {
			t.verifyPiece(i)
		}
	}
	for _, o := range res.Cancelled {
		o.(*PeerConn).fill()
	}
	c.fill()
}
