package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"strings"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	_ "github.com/anacrolix/missinggo/v2/expvar-prometheus"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anacrolix/torrent-i2p"
	"github.com/anacrolix/torrent-i2p/metainfo"
	"github.com/anacrolix/torrent-i2p/util/dirwatch"
)

// Runs the persisted queue until interrupted.
type ServeCmd struct {
	NetworkFlags
	Http  string `default:"localhost:8080" help:"address for status, stats and metrics"`
	Watch string `help:"add torrent files appearing in this directory, and remove them when they go"`
}

func serveErr(cmd *ServeCmd) error {
	cfg, err := networkConfig(&cmd.NetworkFlags)
	if err != nil {
		return err
	}
	var stop chansync.SetOnce
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer cl.Close()
	go exitSignalHandlers(&stop)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(newClientCollector(cl))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{reg, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/stats/", func(w http.ResponseWriter, r *http.Request) {
		serveStats(w, r, cl)
	})
	mux.HandleFunc("/rates", func(w http.ResponseWriter, r *http.Request) {
		serveRates(w, r, cl)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, cl)
	})
	srv := &http.Server{Addr: cmd.Http, Handler: mux}
	go func() {
		err := srv.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serving http: %v", err)
		}
	}()
	defer srv.Close()

	if cmd.Watch != "" {
		dw, err := dirwatch.New(cmd.Watch)
		if err != nil {
			return fmt.Errorf("watching %q: %w", cmd.Watch, err)
		}
		defer dw.Close()
		go followDirwatch(ctx, cl, dw, func(path string) (*torrent.Torrent, error) {
			t, err := cl.AddTorrentFromFile(path, "")
			if isExisting(err) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return t, cl.StartTorrent(t.InfoHash())
		})
	}
	log.Printf("serving %d torrents, status on http://%s", len(cl.Torrents()), cmd.Http)
	<-stop.Done()
	return nil
}

// GET /stats/<infohash>?groups=torrent,peers
func serveStats(w http.ResponseWriter, r *http.Request, cl *torrent.Client) {
	var ih metainfo.Hash
	if err := ih.FromHexString(strings.TrimPrefix(r.URL.Path, "/stats/")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	groups := []string{"all"}
	if q := r.URL.Query().Get("groups"); q != "" {
		groups = strings.Split(q, ",")
	}
	sel, err := torrent.ParseStatsSelector(groups...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, err := cl.Stats(ih, sel)
	if errors.Is(err, torrent.ErrUnknownTorrent) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(st)
}

// POST /rates?up=1MB&down=0 changes the rate limits. Omitted directions are unchanged, and zero is
// unlimited.
func serveRates(w http.ResponseWriter, r *http.Request, cl *torrent.Client) {
	up, down := cl.RateLimits()
	if r.Method == http.MethodPost {
		q := r.URL.Query()
		for _, d := range []struct {
			key string
			v   *int
		}{{"up", &up}, {"down", &down}} {
			s := q.Get(d.key)
			if s == "" {
				continue
			}
			n, err := humanize.ParseBytes(s)
			if err != nil {
				http.Error(w, fmt.Sprintf("parsing %s: %v", d.key, err), http.StatusBadRequest)
				return
			}
			*d.v = int(n)
		}
		cl.SetRateLimits(up, down)
	}
	fmt.Fprintf(w, "up: %s\ndown: %s\n", formatRate(up), formatRate(down))
}

func formatRate(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return humanize.Bytes(uint64(n)) + "/s"
}
