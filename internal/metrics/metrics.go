// Package metrics exposes Prometheus instrumentation and the HTTP endpoint
// that serves it alongside a liveness probe.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crosspost/pkg/logx"
)

var (
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosspost_events_received_total",
		Help: "Timeline events read from the stream, before filtering.",
	})

	EventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_events_skipped_total",
		Help: "Events dropped before dispatch, by reason.",
	}, []string{"reason"})

	Publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_publishes_total",
		Help: "Publish attempts per destination and outcome.",
	}, []string{"destination", "result"})

	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crosspost_publish_duration_seconds",
		Help:    "Wall time of one publish attempt per destination.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"destination"})

	MediaResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_media_resolved_total",
		Help: "Media acquisition outcomes by kind.",
	}, []string{"kind", "result"})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosspost_stream_reconnects_total",
		Help: "Times the timeline stream connection was re-established.",
	})
)

func handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Serve runs the metrics/health listener until ctx is canceled.
func Serve(ctx context.Context, addr string, log logx.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listener started", logx.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
