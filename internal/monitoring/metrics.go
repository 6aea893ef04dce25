// Package monitoring exposes the server's Prometheus collectors and the
// optional standalone metrics listener.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// WebsocketRejections counts socket upgrades refused because the
	// admission semaphore was exhausted.
	WebsocketRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openguild_websocket_limit_rejections_total",
		Help: "Socket upgrades rejected at the admission semaphore.",
	})

	// WebsocketSessions tracks currently admitted socket sessions.
	WebsocketSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openguild_websocket_sessions",
		Help: "Currently admitted socket sessions.",
	})

	// EventsAppended counts stored channel events by source.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openguild_channel_events_total",
		Help: "Channel events appended, by source.",
	}, []string{"source"}) // local | federation

	// FederationEvents counts verifier outcomes.
	FederationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openguild_federation_events_total",
		Help: "Federation events evaluated, by outcome.",
	}, []string{"outcome"}) // accepted | rejected

	// RateLimited counts requests refused by a rate-limit window.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openguild_rate_limited_total",
		Help: "Requests refused by rate limiting, by limiter.",
	}, []string{"limiter"}) // ip | sender
)

// Serve runs the /metrics listener until ctx is cancelled. Intended to run
// on its own bind address, separate from the API listener.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("component", "metrics").WithField("addr", addr).Info("metrics listener up")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
