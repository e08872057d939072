package requestStrategy

// The view of a connection that the scheduler needs. Implementations must be comparable, and are
// typically pointers.
type Peer interface {
	PeerHas(i pieceIndex) bool
	// Requests we have outstanding on the peer.
	NumRequests() int
	HasRequest(r Request) bool
	// Sends the request. Returns false if the peer can't take requests now, for example because it
	// has choked us.
	Request(r Request) bool
	// Sends a cancel for an outstanding request that another peer fulfilled.
	Cancel(r Request)
}
