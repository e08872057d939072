package torrent

import (
	"expvar"
)

const (
	defaultChunkSize = 0x4000 // 16KiB
	// Pieces offered to each peer at a time while super-seeding.
	superSeedOffers = 2
)

// I could move a lot of these counters to their own file, but I suspect they
// may be attached to a Client someday.
var (
	torrent = expvar.NewMap("torrent")

	chunksReceived           = expvar.NewInt("chunksReceived")
	unexpectedChunksReceived = expvar.NewInt("chunksReceivedUnexpected")
	duplicateChunksReceived  = expvar.NewInt("chunksReceivedDuplicate")

	pieceHashedCorrect    = expvar.NewInt("pieceHashedCorrect")
	pieceHashedNotCorrect = expvar.NewInt("pieceHashedNotCorrect")

	successfulDials   = expvar.NewInt("dialSuccessful")
	unsuccessfulDials = expvar.NewInt("dialUnsuccessful")

	acceptedConns = expvar.NewInt("acceptedConns")
	acceptReject  = expvar.NewInt("acceptReject")

	// Count of connections to peer with same client ID.
	connsToSelf          = expvar.NewInt("connsToSelf")
	duplicateClientConns = expvar.NewInt("duplicateClientConns")
	receivedKeepalives   = expvar.NewInt("receivedKeepalives")
	writtenKeepalives    = expvar.NewInt("writtenKeepalives")

	messageTypesReceived = expvar.NewMap("messageTypesReceived")
	messageTypesSent     = expvar.NewMap("messageTypesSent")
	// Frames discarded for arriving in a state that doesn't allow them.
	messageTypesRejected = expvar.NewMap("messageTypesRejected")

	// Requests received for pieces we don't have.
	requestsReceivedForMissingPieces = expvar.NewInt("requestsReceivedForMissingPieces")
	oversizeRequestsReceived         = expvar.NewInt("oversizeRequestsReceived")
	unexpectedCancels                = expvar.NewInt("unexpectedCancels")
)
