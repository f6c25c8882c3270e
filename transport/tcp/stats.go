//go:build linux

package tcp

import (
	"fmt"
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/simeonmiteff/go-tcpinfo/pkg/linux"

	"github.com/ruifig/rpcgo/pkg/rpclog"
)

type statEntry struct {
	fd     int
	labels []string
}

type statDesc struct {
	description *prometheus.Desc
	value       func(i *linux.TCPInfo) float64
}

// StatsCollector is a prometheus.Collector exposing Linux TCP_INFO
// counters (RTT, retransmissions, congestion window, ...) for every
// connection registered with it. A Server adds each accepted Socket's
// net.Conn as it is created and removes it on disconnect, so Collect
// only ever walks connections that are actually live.
type StatsCollector struct {
	mu    sync.Mutex
	conns map[net.Conn]statEntry
	descs []statDesc
}

// NewStatsCollector builds a collector whose metrics carry connLabels
// (e.g. "remote_addr") as label names, with values supplied per
// connection via Add.
func NewStatsCollector(connLabels ...string) *StatsCollector {
	c := &StatsCollector{conns: make(map[net.Conn]statEntry)}
	c.descs = []statDesc{
		{
			description: prometheus.NewDesc("rpcgo_tcp_rtt_microseconds", "Smoothed round trip time.", connLabels, nil),
			value:        func(i *linux.TCPInfo) float64 { return float64(i.RTT) },
		},
		{
			description: prometheus.NewDesc("rpcgo_tcp_rtt_variance_microseconds", "Round trip time variance.", connLabels, nil),
			value:        func(i *linux.TCPInfo) float64 { return float64(i.RTTVar) },
		},
		{
			description: prometheus.NewDesc("rpcgo_tcp_retransmits_total", "Timeout-based retransmissions at this sequence.", connLabels, nil),
			value:        func(i *linux.TCPInfo) float64 { return float64(i.Retransmits) },
		},
		{
			description: prometheus.NewDesc("rpcgo_tcp_total_retrans_total", "Total segments retransmitted over the connection's lifetime.", connLabels, nil),
			value:        func(i *linux.TCPInfo) float64 { return float64(i.TotalRetrans) },
		},
		{
			description: prometheus.NewDesc("rpcgo_tcp_snd_cwnd", "Current congestion window.", connLabels, nil),
			value:        func(i *linux.TCPInfo) float64 { return float64(i.SndCWnd) },
		},
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(out chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		out <- d.description
	}
}

// Collect implements prometheus.Collector. A connection whose fd can no
// longer be queried (it has since closed) is dropped from the set instead
// of erroring the whole scrape.
func (c *StatsCollector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn, entry := range c.conns {
		info, err := linux.GetTCPInfo(entry.fd)
		if err != nil {
			rpclog.Debugf("tcp: dropping stale tcpinfo entry for %v: %v", conn.RemoteAddr(), err)
			delete(c.conns, conn)
			continue
		}
		for _, d := range c.descs {
			out <- prometheus.MustNewConstMetric(d.description, prometheus.GaugeValue, d.value(info), entry.labels...)
		}
	}
}

// Add registers conn for TCP_INFO scraping, tagged with labels (in the
// same order as the connLabels passed to NewStatsCollector).
func (c *StatsCollector) Add(conn net.Conn, labels ...string) error {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return fmt.Errorf("tcp: could not extract a file descriptor from %v", conn.RemoteAddr())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = statEntry{fd: fd, labels: labels}
	return nil
}

// Remove stops scraping conn, called once a Socket has disconnected.
func (c *StatsCollector) Remove(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}
