package torrent

import (
	"net/http"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/anacrolix/torrent-i2p/metainfo"
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/ratelimit"
	"github.com/anacrolix/torrent-i2p/sockets"
	"github.com/anacrolix/torrent-i2p/storage"
	"github.com/anacrolix/torrent-i2p/version"
)

// Opens the piece store for a torrent's data.
type StorageOpener func(info *metainfo.Info, dataPath string) (storage.Store, error)

func openFileStorage(info *metainfo.Info, dataPath string) (storage.Store, error) {
	return storage.NewFileStore(dataPath, info)
}

// Probably not safe to modify this after it's given to a Client, or to pass it to multiple Clients.
type ClientConfig struct {
	// Torrent data is stored under this directory unless a data path is given when adding.
	DataDir string `long:"data-dir" description:"directory to store downloaded torrent data"`
	// User-provided Client peer ID. If not present, one is generated automatically.
	PeerID string
	// Peer ID client identifier prefix.
	Bep20 string

	// Stream transport to peers. If nil, the Client listens on ListenNetwork and ListenAddr. On
	// the anonymity network this is a tunnel endpoint provided by the router. The Client closes it.
	Transport     sockets.Transport
	ListenNetwork string
	ListenAddr    string

	// Holds the torrent queue and per-torrent state between runs. If nil, a bolt database is
	// opened in DataDir.
	Persister storage.Persister
	// Opens each torrent's piece store. Defaults to files under the torrent's data path.
	DefaultStorage StorageOpener
	// Read the torrent queue written by older versions if the current key is absent. The legacy
	// key is never written.
	AllowLegacyQueue bool

	Logger log.Logger
	// Perform logging and any other behaviour that will help debug.
	Debug bool `help:"enable debugging"`

	// Used for tracker requests.
	HTTPClient *http.Client
	// HTTPUserAgent changes default UserAgent for HTTP requests
	HTTPUserAgent string
	// Don't announce to trackers. Peers must then be added directly.
	DisableTrackers bool

	// Target outstanding requests per peer.
	RequestDepth int
	// Fragment size for requests.
	ChunkSize int64
	// Piece availability strictly dominates progress on partially obtained pieces.
	StrictAvailabilityPrio bool
	// Torrents added without a persisted setting start in super-seeding mode.
	DefaultSuperSeeding bool

	// Bytes per second, shared fairly between connections. Zero is unlimited.
	UploadRateLimit       int
	DownloadRateLimit     int
	RateLimitMaxRaisePct  float64
	RateLimitMaxReducePct float64
	RateLimitInterval     time.Duration
	// Split the rates evenly between connections instead of adapting each connection's quota to
	// its use.
	StaticRateQuotas bool

	// How long between writes before sending a keep alive message on a peer connection.
	KeepAliveInterval time.Duration
	// Connections are failed if nothing has been sent or received for these durations.
	SendIdleTimeout    time.Duration
	ReceiveIdleTimeout time.Duration
	// Period of the connection hub's housekeeping.
	HubTick time.Duration

	DialInterval time.Duration
	// Maximum peers drawn from the pool per dial round.
	DialBatch       int
	DialRateLimiter *rate.Limiter
	// Limit how long handshake can take, including dialing.
	HandshakesTimeout time.Duration

	AnnounceInterval        time.Duration
	AnnounceRetryInterval   time.Duration
	AnnouncePartialInterval time.Duration
	ScrapeInterval          time.Duration

	// Known peers are forgotten after this many failed connection attempts, or this long after
	// they were learned.
	PeerPoolMaxAttempts int
	PeerPoolMaxAge      time.Duration

	// Inbound frames declaring a greater length fail the connection.
	MaxFrameLength int
	// Peer requests for more than this are ignored.
	MaxRequestLength int
	// Drop peers that are complete if we are also complete and have no use for the peer.
	DropMutuallyCompletePeers bool
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DataDir:                   ".",
		Bep20:                     version.DefaultBep20Prefix,
		ListenNetwork:             "tcp",
		ListenAddr:                ":0",
		Logger:                    log.Default,
		HTTPUserAgent:             version.DefaultHttpUserAgent,
		RequestDepth:              12,
		ChunkSize:                 defaultChunkSize,
		RateLimitMaxRaisePct:      0.1,
		RateLimitMaxReducePct:     0.1,
		RateLimitInterval:         time.Second,
		KeepAliveInterval:         100 * time.Second,
		SendIdleTimeout:           300 * time.Second,
		ReceiveIdleTimeout:        300 * time.Second,
		HubTick:                   250 * time.Millisecond,
		DialInterval:              time.Minute,
		DialBatch:                 10,
		DialRateLimiter:           rate.NewLimiter(10, 10),
		HandshakesTimeout:         time.Minute,
		AnnounceInterval:          time.Hour,
		AnnounceRetryInterval:     time.Minute,
		AnnouncePartialInterval:   10 * time.Minute,
		ScrapeInterval:            time.Hour,
		PeerPoolMaxAttempts:       5,
		PeerPoolMaxAge:            300 * time.Second,
		MaxFrameLength:            pp.DefaultMaxFrameLength,
		MaxRequestLength:          pp.MaxRequestLength,
		DropMutuallyCompletePeers: true,
	}
}

func (cfg *ClientConfig) storageOpener() StorageOpener {
	if cfg.DefaultStorage != nil {
		return cfg.DefaultStorage
	}
	return openFileStorage
}

func (cfg *ClientConfig) newRateLimiter(bytesPerSec int) ratelimit.Interface {
	if cfg.StaticRateQuotas {
		return ratelimit.NewStaticQuotaLimiter(bytesPerSec)
	}
	return ratelimit.NewLimiter(bytesPerSec, cfg.RateLimitMaxRaisePct, cfg.RateLimitMaxReducePct)
}
