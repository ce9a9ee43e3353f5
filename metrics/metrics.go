package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	terrors "github.com/touka-aoi/relay-chat/core/errors"
	"github.com/touka-aoi/relay-chat/server/peer"
	"github.com/touka-aoi/relay-chat/transport"
)

const defaultEndpoint = "/metrics"

// Metrics counts relay traffic. It is a transport.Handler, so the relay
// loop feeds it directly.
type Metrics struct {
	peers          prometheus.Gauge
	connections    prometheus.Counter
	rejected       *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	messages       prometheus.Counter
	receivedBytes  prometheus.Counter
	broadcastBytes prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		peers: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_peers",
			Help: "Current number of connected peers",
		}),
		connections: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total number of admitted peer connections",
		}),
		rejected: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_rejected_total",
				Help: "Total number of connections closed right after accept, labelled by reason",
			},
			[]string{"reason"},
		),
		disconnects: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_disconnects_total",
				Help: "Total number of removed peers, labelled by reason",
			},
			[]string{"reason"},
		),
		messages: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Total number of chunks received and broadcast",
		}),
		receivedBytes: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "relay_received_bytes_total",
			Help: "Total number of bytes received from peers",
		}),
		broadcastBytes: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcast_bytes_total",
			Help: "Total number of bytes handed to receiving peers",
		}),
	}
}

func (m *Metrics) OnConnect(context.Context, peer.Endpoint) error {
	m.connections.Inc()
	m.peers.Inc()
	return nil
}

func (m *Metrics) OnData(_ context.Context, _ peer.Endpoint, data []byte, fanout int) {
	m.messages.Inc()
	m.receivedBytes.Add(float64(len(data)))
	m.broadcastBytes.Add(float64(len(data) * fanout))
}

func (m *Metrics) OnDisconnect(_ context.Context, _ peer.Endpoint, reason error) {
	m.peers.Dec()
	m.disconnects.WithLabelValues(terrors.Reason(reason)).Inc()
}

func (m *Metrics) OnReject(_ context.Context, _ string, reason error) {
	label := terrors.Reason(reason)
	if label == "error" {
		label = "handler"
	}
	m.rejected.WithLabelValues(label).Inc()
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	router := http.NewServeMux()
	router.Handle(defaultEndpoint, promhttp.HandlerFor(
		gatherer,
		promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return router
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return serve(ctx, ln, gatherer)
}

func serve(ctx context.Context, ln net.Listener, gatherer prometheus.Gatherer) error {
	server := &http.Server{
		Handler:           Handler(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shutdown metrics server", "error", err)
		}
	})
	defer stop()

	slog.InfoContext(ctx, "Metrics listening on", "address", ln.Addr().String(), "endpoint", defaultEndpoint)
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

var _ transport.Handler = (*Metrics)(nil)
