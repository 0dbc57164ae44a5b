// Package metrics exposes fleet activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ebowwa/mcp-ssh-manager/internal/orchestrator"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshterminal"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtunnel"
)

const namespace = "sshmgr"

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	connectionEvents *prometheus.CounterVec
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	sessionEvents    *prometheus.CounterVec
	tunnelEvents     *prometheus.CounterVec
	tunnelBytes      *prometheus.CounterVec
	groupRuns        *prometheus.CounterVec
	groupHosts       *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		connectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Remote commands run, by server and outcome.",
		}, []string{"server", "outcome"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time of remote commands.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"server"}),
		sessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Interactive session events by type.",
		}, []string{"event"}),
		tunnelEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_events_total",
			Help:      "Tunnel lifecycle events by type and resulting health.",
		}, []string{"event", "health"}),
		tunnelBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_bytes_total",
			Help:      "Bytes carried by closed tunnels.",
		}, []string{"direction"}),
		groupRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_runs_total",
			Help:      "Group executions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		groupHosts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_hosts_total",
			Help:      "Per-host outcomes of group executions.",
		}, []string{"status"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gauges are sampled at scrape time.
type Gauges struct {
	Connections func() int
	Sessions    func() int
	Tunnels     func() []sshtunnel.Info
}

// WatchGauges registers scrape-time gauges for live state. Nil funcs are
// skipped.
func (m *Metrics) WatchGauges(g Gauges) {
	f := promauto.With(m.reg)
	if g.Connections != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Pooled server connections.",
		}, func() float64 { return float64(g.Connections()) })
	}
	if g.Sessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open interactive sessions.",
		}, func() float64 { return float64(g.Sessions()) })
	}
	if g.Tunnels != nil {
		m.reg.MustRegister(&tunnelCollector{list: g.Tunnels})
	}
}

// ConnectionEvent counts a connection manager event.
func (m *Metrics) ConnectionEvent(ev sshproxy.ConnectionEvent) {
	m.connectionEvents.WithLabelValues(string(ev.Type)).Inc()
}

// ExecEvent counts a finished command.
func (m *Metrics) ExecEvent(ev sshexec.Event) {
	m.commands.WithLabelValues(ev.Server, execOutcome(ev)).Inc()
	m.commandDuration.WithLabelValues(ev.Server).Observe(ev.Duration.Seconds())
}

func execOutcome(ev sshexec.Event) string {
	switch {
	case ev.Err != nil:
		return "error"
	case ev.Result != nil && ev.Result.Success():
		return "success"
	default:
		return "nonzero"
	}
}

// SessionEvent counts a session event.
func (m *Metrics) SessionEvent(ev sshterminal.Event) {
	m.sessionEvents.WithLabelValues(string(ev.Type)).Inc()
}

// TunnelEvent counts a tunnel event and, on close, the bytes it carried.
func (m *Metrics) TunnelEvent(ev sshtunnel.Event) {
	m.tunnelEvents.WithLabelValues(string(ev.Type), string(ev.Health)).Inc()
	if ev.Type == sshtunnel.EventClosed {
		m.tunnelBytes.WithLabelValues("in").Add(float64(ev.Stats.BytesIn))
		m.tunnelBytes.WithLabelValues("out").Add(float64(ev.Stats.BytesOut))
	}
}

// GroupResult counts a finished group execution.
func (m *Metrics) GroupResult(res *orchestrator.GroupResult) {
	if res == nil {
		return
	}
	m.groupRuns.WithLabelValues(string(res.Strategy), strconv.FormatBool(res.Success)).Inc()
	m.groupHosts.WithLabelValues(string(orchestrator.StatusSucceeded)).Add(float64(res.Succeeded))
	m.groupHosts.WithLabelValues(string(orchestrator.StatusFailed)).Add(float64(res.Failed))
	m.groupHosts.WithLabelValues(string(orchestrator.StatusSkipped)).Add(float64(res.Skipped))
}

type tunnelCollector struct {
	list func() []sshtunnel.Info
}

var tunnelsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "tunnels"),
	"Tunnels by kind and health.",
	[]string{"kind", "health"}, nil,
)

func (c *tunnelCollector) Describe(ch chan<- *prometheus.Desc) { ch <- tunnelsDesc }

func (c *tunnelCollector) Collect(ch chan<- prometheus.Metric) {
	type key struct{ kind, health string }
	counts := map[key]int{}
	for _, info := range c.list() {
		counts[key{string(info.Kind), string(info.Health)}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(tunnelsDesc, prometheus.GaugeValue, float64(n), k.kind, k.health)
	}
}
