// Package tracker announces to and scrapes HTTP trackers reachable over the anonymity network.
// Peers are identified by their network destination rather than an IP address.
package tracker

import (
	"expvar"

	"github.com/anacrolix/torrent-i2p/types/infohash"
)

var vars = expvar.NewMap("tracker")

// The port we report to trackers. Peers are reached by destination, so it carries no meaning, but
// trackers require it.
const DefaultPort = 6889

const DefaultNumWant = 100

type AnnounceEvent int32

const (
	None AnnounceEvent = iota
	Started
	Stopped
	Completed
)

func (e AnnounceEvent) String() string {
	// See BEP 3, "event", and
	// https://github.com/anacrolix/torrent/issues/416#issuecomment-751427001. Return a safe default
	// in case event values are not sanitized.
	return []string{"", "started", "stopped", "completed"}[e&3]
}

type AnnounceRequest struct {
	InfoHash   infohash.T
	PeerId     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      AnnounceEvent
	// Our own destination. Peers reporting it are filtered from responses.
	IP      string
	NumWant int32
	Port    int
}

type AnnounceResponse struct {
	Interval int32 // Minimum seconds the local peer should wait before next announce.
	Leechers int32
	Seeders  int32
	Peers    []Peer
	// Set if the tracker sent a warning message with an otherwise successful response.
	Warning string
}

type ScrapeResult struct {
	Seeders   int32
	Leechers  int32
	Completed int32
}
