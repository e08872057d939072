package torrent

import (
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
)

// Offers each peer a few pieces at a time instead of advertising everything, so that new pieces
// spread through the swarm before we upload them twice. Runs on the hub.
type superSeeder struct {
	t       *Torrent
	enabled bool
}

func (s *superSeeder) setEnabled(on bool) {
	if s.enabled == on {
		return
	}
	s.enabled = on
	t := s.t
	for c := range t.conns {
		if on {
			s.topUp(c)
			continue
		}
		s.retractAll(c)
		// Peers learn about everything that was held back.
		have := t.have.Clone()
		have.AndNot(&c.sentHaves)
		have.Iterate(func(x uint32) bool {
			c.write(pp.MakeHaveMessage(pp.Integer(x)))
			return true
		})
		c.sentHaves.Or(have)
	}
}

// Offers are made before the peer's bitfield arrives.
func (s *superSeeder) onHandshake(c *PeerConn) {
	s.topUp(c)
}

func (s *superSeeder) onBitfield(c *PeerConn) {
	already := c.offered.Clone()
	already.And(&c.peerHave)
	already.Iterate(func(x uint32) bool {
		s.retract(c, int(x))
		return true
	})
	s.afterPeerGained(c)
}

func (s *superSeeder) onHave(c *PeerConn, i int) {
	if c.offered.Contains(uint32(i)) {
		s.retract(c, i)
	}
	s.afterPeerGained(c)
}

func (s *superSeeder) afterPeerGained(c *PeerConn) {
	if c.peerIsSeed() {
		s.retractAll(c)
		return
	}
	s.topUp(c)
}

// Offers are tracked regardless of whether super-seeding is still enabled.
func (s *superSeeder) onDisconnect(c *PeerConn) {
	s.retractAll(c)
}

func (s *superSeeder) retract(c *PeerConn, i int) {
	if c.offered.CheckedRemove(uint32(i)) {
		s.t.availability.DecOffered(i)
	}
}

func (s *superSeeder) retractAll(c *PeerConn) {
	c.offered.Iterate(func(x uint32) bool {
		s.t.availability.DecOffered(int(x))
		return true
	})
	c.offered.Clear()
}

func (s *superSeeder) topUp(c *PeerConn) {
	for c.offered.GetCardinality() < superSeedOffers {
		i, ok := s.pick(c)
		if !ok {
			return
		}
		c.offered.Add(uint32(i))
		s.t.availability.IncOffered(i)
		if c.sentHaves.CheckedAdd(uint32(i)) {
			c.write(pp.MakeHaveMessage(pp.Integer(i)))
		}
	}
}

// The least offered piece we have that the peer lacks and hasn't been offered, lowest index first.
func (s *superSeeder) pick(c *PeerConn) (best int, ok bool) {
	t := s.t
	candidates := t.have.Clone()
	candidates.AndNot(&c.peerHave)
	candidates.AndNot(&c.offered)
	candidates.Iterate(func(x uint32) bool {
		i := int(x)
		if !ok || t.availability.Offered(i) < t.availability.Offered(best) {
			best, ok = i, true
		}
		return true
	})
	return
}
