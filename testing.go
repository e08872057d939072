package torrent

import (
	"testing"
	"time"

	"github.com/anacrolix/torrent-i2p/storage"
)

// A config for tests: loopback transport, state in memory, no trackers, and short timers.
func TestingConfig(t testing.TB) *ClientConfig {
	cfg := NewDefaultClientConfig()
	cfg.ListenNetwork = "tcp"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.Persister = storage.NewMapPersister()
	cfg.DisableTrackers = true
	cfg.DialInterval = time.Second
	cfg.DialRateLimiter = nil
	cfg.HandshakesTimeout = 10 * time.Second
	cfg.HubTick = 50 * time.Millisecond
	//cfg.Debug = true
	return cfg
}
