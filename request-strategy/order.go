package requestStrategy

import (
	"github.com/anacrolix/multiless"

	"github.com/anacrolix/torrent-i2p/types"
)

type (
	Request       = types.Request
	ChunkSpec     = types.ChunkSpec
	pieceIndex    = types.PieceIndex
	piecePriority = types.PiecePriority
)

// The sort key shared by every piece in a group.
type groupKey struct {
	Priority     piecePriority
	Availability int
	// Minimum refcount over the piece's needed fragments.
	ConcReq int
	// Completed fragments.
	FinReq int
}

// Higher priority first, then rarest, then fewest concurrent requests, then most complete.
func groupKeyLess(i, j groupKey) multiless.Computation {
	return multiless.New().Int(
		int(j.Priority), int(i.Priority),
	).Int(
		i.Availability, j.Availability,
	).Int(
		i.ConcReq, j.ConcReq,
	).Int(
		j.FinReq, i.FinReq,
	)
}
