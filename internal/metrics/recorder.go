// Package metrics exports backend, reconcile and peer measurements to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itsChris/wgsync/internal/wg"
)

const namespace = "wgsync"

// Recorder implements wg.Recorder on a private registry.
type Recorder struct {
	registry *prometheus.Registry
	now      func() time.Time

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	passes            *prometheus.CounterVec
	passDuration      *prometheus.HistogramVec
	peers             *prometheus.GaugeVec
	peersOnline       *prometheus.GaugeVec
	peerReceive       *prometheus.GaugeVec
	peerTransmit      *prometheus.GaugeVec
	peerHandshake     *prometheus.GaugeVec
}

var _ wg.Recorder = (*Recorder)(nil)

// New creates a Recorder with the Go runtime and process collectors
// registered alongside the wgsync metrics.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		now:      time.Now,

		// Labels: backend, operation, kind ("ok" on success), outcome: "ok", "error"
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_operations_total",
				Help:      "Backend calls by operation and outcome",
			},
			[]string{"backend", "operation", "kind", "outcome"},
		),
		operationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_operation_duration_seconds",
				Help:      "Duration of backend calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8), // 0.5ms to ~8s
			},
			[]string{"backend", "operation"},
		),
		// Labels: interface, outcome: "noop", "ok", "partial", "failed"
		passes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_passes_total",
				Help:      "Reconcile passes by interface and outcome",
			},
			[]string{"interface", "outcome"},
		),
		passDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_pass_duration_seconds",
				Help:      "Duration of reconcile passes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"interface"},
		),
		peers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers",
				Help:      "Peers configured on the device",
			},
			[]string{"backend", "interface"},
		),
		peersOnline: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers_online",
				Help:      "Peers with a handshake in the last three minutes",
			},
			[]string{"backend", "interface"},
		),
		// Device counters restart with the device, so these are gauges.
		peerReceive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_receive_bytes",
				Help:      "Bytes received from the peer as reported by the device",
			},
			[]string{"interface", "peer"},
		),
		peerTransmit: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_transmit_bytes",
				Help:      "Bytes sent to the peer as reported by the device",
			},
			[]string{"interface", "peer"},
		),
		peerHandshake: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_last_handshake_seconds",
				Help:      "Unix time of the peer's latest handshake, 0 if none",
			},
			[]string{"interface", "peer"},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveOperation(backend, op string, kind wg.Kind, ok bool, d time.Duration) {
	outcome, label := "ok", "ok"
	if !ok {
		outcome, label = "error", kind.Label()
	}
	r.operations.WithLabelValues(backend, op, label, outcome).Inc()
	r.operationDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

func (r *Recorder) ObservePass(iface, outcome string, d time.Duration) {
	r.passes.WithLabelValues(iface, outcome).Inc()
	r.passDuration.WithLabelValues(iface).Observe(d.Seconds())
}

// ObserveSnapshot replaces the peer series of the interface with the
// snapshot's values. Peers no longer on the device lose their series.
func (r *Recorder) ObserveSnapshot(backend string, iface *wg.Interface) {
	if iface == nil {
		return
	}
	byIface := prometheus.Labels{"interface": iface.Name}
	r.peerReceive.DeletePartialMatch(byIface)
	r.peerTransmit.DeletePartialMatch(byIface)
	r.peerHandshake.DeletePartialMatch(byIface)

	now := r.now()
	online := 0
	for n := range iface.Peers {
		p := &iface.Peers[n]
		pub := p.PublicKey.String()
		r.peerReceive.WithLabelValues(iface.Name, pub).Set(float64(p.ReceiveBytes))
		r.peerTransmit.WithLabelValues(iface.Name, pub).Set(float64(p.TransmitBytes))
		var hs float64
		if !p.LastHandshake.IsZero() {
			hs = float64(p.LastHandshake.Unix())
		}
		if p.Online(now) {
			online++
		}
		r.peerHandshake.WithLabelValues(iface.Name, pub).Set(hs)
	}
	r.peers.WithLabelValues(backend, iface.Name).Set(float64(len(iface.Peers)))
	r.peersOnline.WithLabelValues(backend, iface.Name).Set(float64(online))
}

// Forget drops every series of a deleted interface.
func (r *Recorder) Forget(iface string) {
	byIface := prometheus.Labels{"interface": iface}
	for _, v := range []*prometheus.GaugeVec{r.peers, r.peersOnline, r.peerReceive, r.peerTransmit, r.peerHandshake} {
		v.DeletePartialMatch(byIface)
	}
	r.passes.DeletePartialMatch(byIface)
	r.passDuration.DeletePartialMatch(byIface)
}
