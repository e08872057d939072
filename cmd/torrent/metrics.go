package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anacrolix/torrent-i2p"
)

// Exports client totals and per-torrent progress, gathered on each scrape.
type clientCollector struct {
	cl *torrent.Client

	torrents     *prometheus.Desc
	conns        *prometheus.Desc
	bytesRead    *prometheus.Desc
	bytesWritten *prometheus.Desc
	payloadRead  *prometheus.Desc
	payloadSent  *prometheus.Desc
	bytesLeft    *prometheus.Desc
	torrentConns *prometheus.Desc
}

func newClientCollector(cl *torrent.Client) *clientCollector {
	const ns = "torrent"
	return &clientCollector{
		cl:           cl,
		torrents:     prometheus.NewDesc(ns+"_torrents", "Torrents in the queue by state.", []string{"state"}, nil),
		conns:        prometheus.NewDesc(ns+"_conns", "Established peer connections.", nil, nil),
		bytesRead:    prometheus.NewDesc(ns+"_read_bytes_total", "Bytes read from peers.", nil, nil),
		bytesWritten: prometheus.NewDesc(ns+"_written_bytes_total", "Bytes written to peers.", nil, nil),
		payloadRead:  prometheus.NewDesc(ns+"_useful_payload_read_bytes_total", "Piece payload read that was requested.", nil, nil),
		payloadSent:  prometheus.NewDesc(ns+"_payload_written_bytes_total", "Piece payload written.", nil, nil),
		bytesLeft:    prometheus.NewDesc(ns+"_left_bytes", "Bytes left to download.", []string{"infohash", "name"}, nil),
		torrentConns: prometheus.NewDesc(ns+"_torrent_conns", "Peer connections for a torrent.", []string{"infohash", "name"}, nil),
	}
}

var _ prometheus.Collector = (*clientCollector)(nil)

func (me *clientCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(me, ch)
}

func (me *clientCollector) Collect(ch chan<- prometheus.Metric) {
	cs := me.cl.ClientStats()
	ch <- prometheus.MustNewConstMetric(me.torrents, prometheus.GaugeValue, float64(cs.NumRunning), "running")
	ch <- prometheus.MustNewConstMetric(me.torrents, prometheus.GaugeValue, float64(cs.NumTorrents-cs.NumRunning), "stopped")
	ch <- prometheus.MustNewConstMetric(me.conns, prometheus.GaugeValue, float64(cs.NumConns))
	ch <- prometheus.MustNewConstMetric(me.bytesRead, prometheus.CounterValue, float64(cs.BytesRead.Int64()))
	ch <- prometheus.MustNewConstMetric(me.bytesWritten, prometheus.CounterValue, float64(cs.BytesWritten.Int64()))
	ch <- prometheus.MustNewConstMetric(me.payloadRead, prometheus.CounterValue, float64(cs.BytesReadUsefulData.Int64()))
	ch <- prometheus.MustNewConstMetric(me.payloadSent, prometheus.CounterValue, float64(cs.BytesWrittenData.Int64()))
	for _, t := range me.cl.Torrents() {
		st, err := me.cl.Stats(t.InfoHash(), torrent.StatsSelector{Torrent: true})
		if err != nil {
			continue
		}
		ih := st.InfoHash
		ch <- prometheus.MustNewConstMetric(me.bytesLeft, prometheus.GaugeValue, float64(st.Torrent.BytesLeft), ih, st.Name)
		ch <- prometheus.MustNewConstMetric(me.torrentConns, prometheus.GaugeValue, float64(st.Torrent.NumConns), ih, st.Name)
	}
}
