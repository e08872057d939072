package peer_protocol

import (
	"fmt"
)

type MessageType byte

const (
	Protocol = "\x13BitTorrent protocol"
)

const (
	Choke         MessageType = iota
	Unchoke                   // 1
	Interested                // 2
	NotInterested             // 3
	Have                      // 4
	Bitfield                  // 5
	Request                   // 6
	Piece                     // 7
	Cancel                    // 8
)

const (
	// Any inbound frame declaring a longer length fails the connection.
	DefaultMaxFrameLength = 140000
	// REQUESTs for more than this are ignored.
	MaxRequestLength = 1 << 17
)

var messageTypeNames = [...]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "NotInterested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
}

func (mt MessageType) String() string {
	if mt.Known() {
		return messageTypeNames[mt]
	}
	return fmt.Sprintf("MessageType(%d)", byte(mt))
}

func (mt MessageType) Known() bool {
	return mt <= Cancel
}

// The payload length for fixed-size message types, not including the type byte. ok is false for
// variable length messages.
func (mt MessageType) fixedPayloadLen() (n int, ok bool) {
	switch mt {
	case Choke, Unchoke, Interested, NotInterested:
		return 0, true
	case Have:
		return 4, true
	case Request, Cancel:
		return 12, true
	}
	return 0, false
}
