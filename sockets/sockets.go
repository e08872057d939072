// Package sockets adapts stream transports for the client. On the anonymity network a socket is a
// tunnel endpoint addressed by destination; any net.Listener and dialer pair can stand in for one.
package sockets

import (
	"context"
	"net"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/sync"
)

type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Transport is what the client needs from the network: accepting inbound streams, dialing
// destinations, and knowing the address peers should use to reach us.
type Transport interface {
	net.Listener
	Dial(ctx context.Context, addr string) (net.Conn, error)
	// Not known until the tunnel is established. Announces wait for it.
	OwnAddress() g.Option[string]
}

// New creates a socket from a net listener and dialer. The listener's address is reported as our
// own address until overridden with SetOwnAddress.
func New(l net.Listener, d dialer) *Socket {
	return &Socket{Listener: l, dialer: d}
}

// Listens on a local network address, dialing with a default net.Dialer.
func Listen(network, addr string) (*Socket, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return New(l, &net.Dialer{}), nil
}

// Socket for torrent clients.
type Socket struct {
	net.Listener
	dialer
	mu       sync.Mutex
	ownAddr  g.Option[string]
	hideAddr bool
}

var _ Transport = (*Socket)(nil)

// Dial remote peers from this socket.
func (t *Socket) Dial(ctx context.Context, addr string) (conn net.Conn, err error) {
	return t.dialer.DialContext(ctx, t.Listener.Addr().Network(), addr)
}

func (t *Socket) SetOwnAddress(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ownAddr = g.Some(addr)
	t.hideAddr = false
}

// Reports our address as unknown, as a tunnel does before it's built.
func (t *Socket) ClearOwnAddress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ownAddr.SetNone()
	t.hideAddr = true
}

func (t *Socket) OwnAddress() g.Option[string] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ownAddr.Ok || t.hideAddr {
		return t.ownAddr
	}
	return g.Some(t.Listener.Addr().String())
}
