package torrent

import (
	"net"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-i2p/types"
)

func TestDialerAddErrorKeepsLiveConn(t *testing.T) {
	mi := singleFileMetainfo(t, 16<<10, randomData(16<<10))
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{}).open
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)
	connectWirePeer(t, tor, "live")
	qt.Assert(t, qt.IsTrue(tor.pool.IsCurrent("live")))

	add := func(peerID types.PeerID, addr string) (err error) {
		ours, theirs := net.Pipe()
		t.Cleanup(func() {
			ours.Close()
			theirs.Close()
		})
		require.NoError(t, tor.do(func() {
			_, err = tor.addConn(ours, peerID, addr, true)
		}))
		return
	}

	// Another peer at the address of the live connection.
	err := add(types.PeerID{2}, "live")
	require.ErrorIs(t, err, ErrDuplicatePeer)
	tor.dialer.onAddConnError("live", err)
	qt.Check(t, qt.IsTrue(tor.pool.IsCurrent("live")))
	qt.Check(t, qt.Equals(tor.NumConns(), 1))

	// The live peer again, at another address.
	var livePeerID types.PeerID
	copy(livePeerID[:], "live")
	tor.pool.Add("alias")
	err = add(livePeerID, "alias")
	require.ErrorIs(t, err, ErrDuplicatePeer)
	tor.dialer.onAddConnError("alias", err)
	qt.Check(t, qt.IsTrue(tor.pool.IsCurrent("live")))
	qt.Check(t, qt.Equals(tor.pool.NumPossible(), 0))

	// Ourselves.
	tor.pool.Add("self")
	err = add(cl.PeerID(), "self")
	require.ErrorIs(t, err, errConnToSelf)
	tor.dialer.onAddConnError("self", err)
	qt.Check(t, qt.Equals(tor.pool.NumPossible(), 0))
	qt.Check(t, qt.IsFalse(tor.pool.IsCurrent("self")))
	qt.Check(t, qt.Equals(tor.NumConns(), 1))
}
