//go:build !linux

package tcp

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector is a no-op stand-in on platforms where TCP_INFO isn't
// available through netfd/go-tcpinfo. It satisfies the same surface as the
// Linux collector, including prometheus.Collector, so callers don't need a
// build tag of their own and can register it with a registry unconditionally.
type StatsCollector struct{}

// NewStatsCollector returns a collector that never reports any metrics.
func NewStatsCollector(connLabels ...string) *StatsCollector { return &StatsCollector{} }

// Add is a no-op on this platform.
func (c *StatsCollector) Add(conn net.Conn, labels ...string) error { return nil }

// Remove is a no-op on this platform.
func (c *StatsCollector) Remove(conn net.Conn) {}

// Describe implements prometheus.Collector; it reports no metrics.
func (c *StatsCollector) Describe(out chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector; it reports no metrics.
func (c *StatsCollector) Collect(out chan<- prometheus.Metric) {}
