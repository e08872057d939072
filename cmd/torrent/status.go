package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/anacrolix/torrent-i2p"
)

func writeStatus(w io.Writer, cl *torrent.Client) {
	cs := cl.ClientStats()
	fmt.Fprintf(w, "peer id: %q\n", cl.PeerID())
	fmt.Fprintf(w, "listening on: %v\n", cl.ListenAddr())
	fmt.Fprintf(w, "torrents: %d (%d running), %d conns\n", cs.NumTorrents, cs.NumRunning, cs.NumConns)
	fmt.Fprintf(
		w, "payload: %s down, %s up\n",
		humanize.Bytes(uint64(cs.BytesReadUsefulData.Int64())),
		humanize.Bytes(uint64(cs.BytesWrittenData.Int64())),
	)
	up, down := cl.RateLimits()
	fmt.Fprintf(w, "rate limits: %s down, %s up\n", formatRate(down), formatRate(up))
	fmt.Fprintln(w)
	writeTorrentTable(w, cl)
}

func writeTorrentTable(w io.Writer, cl *torrent.Client) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INFOHASH\tNAME\tSTATE\tPROGRESS\tPEERS\tDOWN\tUP")
	for _, t := range cl.Torrents() {
		st, err := cl.Stats(t.InfoHash(), torrent.StatsSelector{Torrent: true, Rates: true})
		if err != nil {
			continue
		}
		state := "stopped"
		switch {
		case st.Torrent.Seeding && st.Torrent.Running:
			state = "seeding"
		case st.Torrent.Running:
			state = "downloading"
		}
		if st.Torrent.SuperSeeding {
			state += "*"
		}
		fmt.Fprintf(
			tw, "%s\t%s\t%s\t%s/%s\t%d\t%s/s\t%s/s\n",
			t.InfoHash().ShortString(), st.Name, state,
			humanize.Bytes(uint64(st.Torrent.TotalLength-st.Torrent.BytesLeft)),
			humanize.Bytes(uint64(st.Torrent.TotalLength)),
			st.Torrent.NumConns,
			humanize.Bytes(uint64(st.Rates.Download)),
			humanize.Bytes(uint64(st.Rates.Upload)),
		)
	}
	tw.Flush()
}
