package peer_protocol

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-i2p/types/infohash"
)

const (
	// Protocol string, reserved bytes and infohash.
	HandshakePrefixLen = len(Protocol) + 8 + infohash.Size
	HandshakeLen       = HandshakePrefixLen + 20
)

var (
	ErrBadProtocolString = errors.New("unexpected protocol string")
	ErrUnknownInfoHash   = errors.New("unknown infohash")
	ErrInfoHashMismatch  = errors.New("infohash mismatch")
)

// We set no extension bits.
type PeerExtensionBits [8]byte

type HandshakeResult struct {
	PeerExtensionBits
	PeerID [20]byte
	infohash.T
}

func AppendHandshakePrefix(b []byte, ih infohash.T) []byte {
	b = append(b, Protocol...)
	b = append(b, make([]byte, 8)...)
	return append(b, ih[:]...)
}

func MakeHandshake(ih infohash.T, peerID [20]byte) []byte {
	return append(AppendHandshakePrefix(make([]byte, 0, HandshakeLen), ih), peerID[:]...)
}

func parseHandshakePrefix(b []byte, res *HandshakeResult) error {
	if string(b[:len(Protocol)]) != Protocol {
		return fmt.Errorf("%w: %q", ErrBadProtocolString, b[:len(Protocol)])
	}
	b = b[len(Protocol):]
	copy(res.PeerExtensionBits[:], b[:8])
	copy(res.T[:], b[8:])
	return nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Applies the context deadline to the socket for the duration of the handshake, if the socket
// supports deadlines.
func withDeadline(ctx context.Context, sock io.ReadWriter) (undo func()) {
	d, ok := sock.(deadliner)
	if !ok {
		return func() {}
	}
	if deadline, ok := ctx.Deadline(); ok {
		d.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		d.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		d.SetDeadline(time.Time{})
	}
}

// Performs the initiator side: our full 68 bytes go out immediately, then the peer's 68 bytes are
// read and checked against the infohash we asked for.
func InitiateHandshake(
	ctx context.Context,
	sock io.ReadWriter,
	ih infohash.T,
	peerID [20]byte,
) (res HandshakeResult, err error) {
	defer withDeadline(ctx, sock)()
	if _, err = sock.Write(MakeHandshake(ih, peerID)); err != nil {
		return res, fmt.Errorf("writing handshake: %w", err)
	}
	b := make([]byte, HandshakeLen)
	if _, err = io.ReadFull(sock, b); err != nil {
		return res, fmt.Errorf("reading handshake: %w", err)
	}
	if err = parseHandshakePrefix(b, &res); err != nil {
		return
	}
	if res.T != ih {
		return res, fmt.Errorf("%w: asked for %v, got %v", ErrInfoHashMismatch, ih, res.T)
	}
	copy(res.PeerID[:], b[HandshakePrefixLen:])
	return
}

// Performs the receiving side. The initiator's 48 byte prefix is read first, and known is consulted
// before we reveal anything about ourselves. Our full reply is sent before reading the initiator's
// peer id.
func ReceiveHandshake(
	ctx context.Context,
	sock io.ReadWriter,
	peerID [20]byte,
	known func(infohash.T) bool,
) (res HandshakeResult, err error) {
	defer withDeadline(ctx, sock)()
	b := make([]byte, HandshakePrefixLen)
	if _, err = io.ReadFull(sock, b); err != nil {
		return res, fmt.Errorf("reading handshake prefix: %w", err)
	}
	if err = parseHandshakePrefix(b, &res); err != nil {
		return
	}
	if !known(res.T) {
		return res, fmt.Errorf("%w: %v", ErrUnknownInfoHash, res.T)
	}
	if _, err = sock.Write(MakeHandshake(res.T, peerID)); err != nil {
		return res, fmt.Errorf("writing handshake: %w", err)
	}
	if _, err = io.ReadFull(sock, res.PeerID[:]); err != nil {
		return res, fmt.Errorf("reading peer id: %w", err)
	}
	return
}
