// Package metrics exposes wire traffic counters in Prometheus format.
//
// A Registry owns its own prometheus.Registry so tests and multiple
// protocols in one process do not collide on the global default.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/rdid"
)

const namespace = "rdsync"

// Registry holds the rdsync collectors.
type Registry struct {
	prom *prometheus.Registry

	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	Links          *prometheus.GaugeVec
	Reconnects     *prometheus.CounterVec
}

// NewRegistry creates a registry with the wire collectors and the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prom: prometheus.NewRegistry(),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wire", Name: "frames_sent_total",
			Help: "Frames handed to the transport.",
		}, []string{"protocol"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wire", Name: "frames_received_total",
			Help: "Frames received from the transport.",
		}, []string{"protocol"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wire", Name: "bytes_sent_total",
			Help: "Frame bytes sent, excluding transport framing.",
		}, []string{"protocol"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wire", Name: "bytes_received_total",
			Help: "Frame bytes received, excluding transport framing.",
		}, []string{"protocol"}),
		Links: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "links_connected",
			Help: "Transport links currently attached.",
		}, []string{"mode"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connects_total",
			Help: "Successful dials or accepts.",
		}, []string{"mode"}),
	}
	r.prom.MustRegister(
		r.FramesSent, r.FramesReceived, r.BytesSent, r.BytesReceived, r.Links, r.Reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Observer returns a frame observer counting traffic under the protocol
// label.
func (r *Registry) Observer(protocol string) rd.FrameObserver {
	return &observer{
		sent:      r.FramesSent.WithLabelValues(protocol),
		received:  r.FramesReceived.WithLabelValues(protocol),
		sentBytes: r.BytesSent.WithLabelValues(protocol),
		recvBytes: r.BytesReceived.WithLabelValues(protocol),
	}
}

// LinkUp records an attached link and returns the func that records its
// loss.
func (r *Registry) LinkUp(mode string) (down func()) {
	r.Reconnects.WithLabelValues(mode).Inc()
	g := r.Links.WithLabelValues(mode)
	g.Inc()
	return g.Dec
}

type observer struct {
	sent, received, sentBytes, recvBytes prometheus.Counter
}

func (o *observer) FrameSent(_ rdid.RdId, frame []byte) {
	o.sent.Inc()
	o.sentBytes.Add(float64(len(frame)))
}

func (o *observer) FrameReceived(_ rdid.RdId, frame []byte) {
	o.received.Inc()
	o.recvBytes.Add(float64(len(frame)))
}

// Handler serves /metrics and /health.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Serve runs the metrics endpoint on addr until ctx ends.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: r.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
