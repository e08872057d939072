package torrent

import (
	"github.com/pkg/errors"
)

var (
	ErrClientClosed     = errors.New("client closed")
	ErrTorrentClosed    = errors.New("torrent closed")
	ErrUnknownTorrent   = errors.New("unknown torrent")
	ErrTorrentExists    = errors.New("torrent already added")
	ErrDuplicatePeer    = errors.New("duplicate peer")
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrFileIndex        = errors.New("file index out of range")
	ErrTorrentRunning   = errors.New("torrent is running")
	ErrUnknownStatGroup = errors.New("unknown stats group")
)
