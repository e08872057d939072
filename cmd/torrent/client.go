package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"

	"github.com/anacrolix/torrent-i2p"
	"github.com/anacrolix/torrent-i2p/metainfo"
	"github.com/anacrolix/torrent-i2p/sockets"
	"github.com/anacrolix/torrent-i2p/tracker"
	"github.com/anacrolix/torrent-i2p/version"
)

// Flags for commands that talk to peers.
type NetworkFlags struct {
	Addr         string         `default:"127.0.0.1:0" help:"local address the router forwards inbound streams to"`
	OwnDest      string         `arg:"--own-dest" help:"our destination, as announced to trackers"`
	TrackerProxy string         `help:"HTTP proxy for tracker requests, usually the router's"`
	NoTrackers   bool           `help:"only use peers given directly"`
	UploadRate   *tagflag.Bytes `help:"max piece bytes to send per second"`
	DownloadRate *tagflag.Bytes `help:"max bytes per second down from peers"`
	StaticQuotas bool           `help:"split rate limits evenly between connections"`
	Anonymous    bool           `help:"identify as a generic client to peers and trackers"`
	Quiet        bool           `help:"discard client logging"`
}

func baseConfig() *torrent.ClientConfig {
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = flags.DataDir
	cfg.Debug = flags.Debug
	cfg.AllowLegacyQueue = true
	if flags.Debug {
		cfg.Logger = log.Default.FilterLevel(log.Debug)
	}
	return cfg
}

func networkConfig(nf *NetworkFlags) (*torrent.ClientConfig, error) {
	cfg := baseConfig()
	s, err := sockets.Listen("tcp", nf.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}
	if nf.OwnDest != "" {
		if !tracker.ValidI2PDestination(nf.OwnDest) {
			s.Close()
			return nil, fmt.Errorf("invalid destination %q", nf.OwnDest)
		}
		s.SetOwnAddress(tracker.NormalizeDestination(nf.OwnDest))
	} else if !nf.NoTrackers {
		// The listen address means nothing to other peers.
		s.ClearOwnAddress()
	}
	cfg.Transport = s
	cfg.DisableTrackers = nf.NoTrackers
	if nf.TrackerProxy != "" {
		proxy, err := url.Parse(nf.TrackerProxy)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parsing tracker proxy: %w", err)
		}
		cfg.HTTPClient = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxy)}}
	}
	if nf.UploadRate != nil {
		cfg.UploadRateLimit = int(nf.UploadRate.Int64())
	}
	if nf.DownloadRate != nil {
		cfg.DownloadRateLimit = int(nf.DownloadRate.Int64())
	}
	cfg.StaticRateQuotas = nf.StaticQuotas
	if nf.Anonymous {
		cfg.Bep20 = version.AnonymousBep20Prefix
		cfg.HTTPUserAgent = version.AnonymousHttpUserAgent
	}
	if nf.Quiet {
		cfg.Logger = log.NewLogger("torrent")
		cfg.Logger.Handlers = []log.Handler{log.DiscardHandler}
	}
	return cfg, nil
}

// A client for editing the persisted queue. It doesn't announce and only listens on loopback.
func offlineClient() (*torrent.Client, error) {
	cfg := baseConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DisableTrackers = true
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return cl, nil
}

// Accepts a torrent file or a hex infohash.
func resolveTorrent(cl *torrent.Client, arg string) (*torrent.Torrent, error) {
	var ih metainfo.Hash
	if err := ih.FromHexString(arg); err != nil {
		mi, err := metainfo.LoadFromFile(arg)
		if err != nil {
			return nil, fmt.Errorf("%q is neither an infohash nor a torrent file: %w", arg, err)
		}
		ih = mi.HashInfoBytes()
	}
	t, ok := cl.Torrent(ih)
	if !ok {
		return nil, fmt.Errorf("%v: %w", ih, torrent.ErrUnknownTorrent)
	}
	return t, nil
}

func exitSignalHandlers(notify *chansync.SetOnce) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	for {
		log.Printf("close signal received: %+v", <-c)
		notify.Set()
	}
}

func isExisting(err error) bool {
	return errors.Is(err, torrent.ErrTorrentExists)
}
