package types

import (
	"crypto/rand"
	"fmt"
	"log/slog"
)

// Peer client ID.
type PeerID [20]byte

var _ slog.LogValuer = PeerID{}

func (me PeerID) LogValue() slog.Value {
	return slog.StringValue(me.String())
}

// Pretty prints the ID, keeping the BEP 20 client prefix readable.
func (me PeerID) String() string {
	return fmt.Sprintf("%+q", me[:])
}

// Generates a peer ID with the given BEP 20 prefix, filling the rest with random bytes.
func RandomPeerID(prefix string) (ret PeerID) {
	n := copy(ret[:], prefix)
	if _, err := rand.Read(ret[n:]); err != nil {
		panic(err)
	}
	return
}
