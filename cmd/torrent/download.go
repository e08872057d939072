package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/torrent-i2p"
	"github.com/anacrolix/torrent-i2p/util/dirwatch"
)

type DownloadCmd struct {
	NetworkFlags
	Peer     []string `help:"addresses of some starting peers"`
	Seed     bool     `help:"seed after download is complete"`
	Progress bool     `default:"true"`
	Stats    *bool    `help:"print stats at termination"`
	Watch    string   `help:"also download torrent files appearing in this directory"`

	File    []string `help:"only download these files, by path within the torrent"`
	Torrent []string `arity:"+" help:"torrent file path" arg:"positional"`
}

func torrentBar(ctx context.Context, cl *torrent.Client, t *torrent.Torrent) {
	start := time.Now()
	var lastLine string
	interval := 3 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := cl.Stats(t.InfoHash(), torrent.StatsSelector{Torrent: true, Rates: true})
		if err != nil {
			return
		}
		line := fmt.Sprintf(
			"%v: downloading %q: %s/%s, %d/%d pieces, %d peers: %s/s down, %s/s up\n",
			time.Since(start).Truncate(time.Second),
			st.Name,
			humanize.Bytes(uint64(t.BytesCompleted())),
			humanize.Bytes(uint64(st.Torrent.TotalLength)),
			st.Torrent.PiecesHave,
			st.Torrent.NumPieces,
			st.Torrent.NumConns,
			humanize.Bytes(uint64(st.Rates.Download)),
			humanize.Bytes(uint64(st.Rates.Upload)),
		)
		if line != lastLine {
			lastLine = line
			os.Stdout.WriteString(line)
		}
	}
}

// Unwants every file not named. Returns false if nothing is left to download.
func selectFiles(cl *torrent.Client, t *torrent.Torrent, names []string) (bool, error) {
	if len(names) == 0 {
		return true, nil
	}
	st, err := cl.Stats(t.InfoHash(), torrent.StatsSelector{Files: true})
	if err != nil {
		return false, err
	}
	selected := false
	for i, f := range st.Files {
		wanted := slices.Contains(names, f.Path)
		selected = selected || wanted
		if err := cl.SetFileWanted(t.InfoHash(), i, wanted); err != nil {
			return false, err
		}
	}
	return selected, nil
}

// Waits until the wanted files are complete.
func waitWanted(ctx context.Context, cl *torrent.Client, t *torrent.Torrent) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		st, err := cl.Stats(t.InfoHash(), torrent.StatsSelector{Files: true})
		if err != nil {
			return err
		}
		done := true
		for _, f := range st.Files {
			if f.Wanted && f.BytesCompleted != f.Length {
				done = false
			}
		}
		if done {
			return nil
		}
		select {
		case <-t.Complete():
			return nil
		case <-t.Closed():
			return torrent.ErrTorrentClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func addDownload(ctx context.Context, cl *torrent.Client, cmd *DownloadCmd, path string) (*torrent.Torrent, error) {
	t, err := cl.AddTorrentFromFile(path, "")
	if isExisting(err) {
		// Restored from the queue of an earlier run.
		t, err = resolveTorrent(cl, path)
	}
	if err != nil {
		return nil, fmt.Errorf("adding torrent %q: %w", path, err)
	}
	if ok, err := selectFiles(cl, t, cmd.File); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("no files selected in %q", path)
	}
	if err := cl.StartTorrent(t.InfoHash()); err != nil {
		return nil, err
	}
	t.AddPeers(cmd.Peer...)
	if cmd.Progress {
		go torrentBar(ctx, cl, t)
	}
	return t, nil
}

func downloadErr(cmd *DownloadCmd) error {
	cfg, err := networkConfig(&cmd.NetworkFlags)
	if err != nil {
		return err
	}
	var stop chansync.SetOnce
	defer stop.Set()
	client, err := torrent.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer client.Close()
	go exitSignalHandlers(&stop)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop.Done()
		cancel()
	}()

	// Write status on the root path on the default HTTP muxer. This will be bound to localhost
	// somewhere if GOPPROF is set, thanks to the envpprof import.
	http.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		writeStatus(w, client)
	})

	var g errgroup.Group
	for _, path := range cmd.Torrent {
		t, err := addDownload(ctx, client, cmd, path)
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		g.Go(func() error {
			return waitWanted(ctx, client, t)
		})
	}
	if cmd.Watch != "" {
		dw, err := dirwatch.New(cmd.Watch)
		if err != nil {
			return fmt.Errorf("watching %q: %w", cmd.Watch, err)
		}
		defer dw.Close()
		go followDirwatch(ctx, client, dw, func(path string) (*torrent.Torrent, error) {
			return addDownload(ctx, client, cmd, path)
		})
	}
	defer outputStats(client, cmd.Stats)
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("waiting for torrents: %w", err)
	}
	log.Print("downloaded ALL the torrents")
	if cmd.Seed || cmd.Watch != "" {
		outputStats(client, cmd.Stats)
		<-stop.Done()
	}
	return nil
}

// Adds torrents as they appear in the watched directory and removes them when their files go.
func followDirwatch(
	ctx context.Context,
	cl *torrent.Client,
	dw *dirwatch.Instance,
	add func(path string) (*torrent.Torrent, error),
) {
	for {
		var e dirwatch.Event
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-dw.Events:
			if !ok {
				return
			}
			e = ev
		}
		log.Printf("%v: %q", e.Change, e.TorrentFilePath)
		var err error
		switch e.Change {
		case dirwatch.Added:
			_, err = add(e.TorrentFilePath)
		case dirwatch.Removed:
			err = cl.RemoveTorrent(e.InfoHash)
		}
		if err != nil {
			log.Default.Levelf(log.Warning, "handling %v of %q: %v", e.Change, e.TorrentFilePath, err)
		}
	}
}

func statsEnabled(flag *bool) bool {
	if flag == nil {
		return flags.Debug
	}
	return *flag
}

func outputStats(cl *torrent.Client, flag *bool) {
	if !statsEnabled(flag) {
		return
	}
	expvar.Do(func(kv expvar.KeyValue) {
		fmt.Printf("%s: %s\n", kv.Key, kv.Value)
	})
	writeStatus(os.Stdout, cl)
}
