// Package health exposes process liveness and delivery counters over HTTP,
// following the same Initialise/StartAndBlock/Stop lifecycle the rest of
// the bridge's long-running components use.
package health

import (
	"context"
	"fmt"
	"net/http"

	"mail-laser/internal/deliver"
	"mail-laser/lalog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /healthz and /metrics.
type Server struct {
	Addr      string
	Deliverer *deliver.Deliverer
	Logger    *lalog.Logger

	forwardedGauge prometheus.GaugeFunc
	failedGauge    prometheus.GaugeFunc
	registry       *prometheus.Registry
	httpServer     *http.Server
}

// Initialise wires the Prometheus collectors to the Deliverer's counters.
func (s *Server) Initialise() error {
	if s.Addr == "" {
		return fmt.Errorf("health: listen address must not be empty")
	}
	if s.Deliverer == nil {
		return fmt.Errorf("health: deliverer must be configured")
	}
	s.registry = prometheus.NewRegistry()
	s.forwardedGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mail_laser_forwarded_total",
		Help: "Number of messages successfully forwarded to the webhook.",
	}, func() float64 { return float64(s.Deliverer.Forwarded()) })
	s.failedGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mail_laser_failed_total",
		Help: "Number of messages that were not forwarded (retries exhausted, circuit open, or unserializable).",
	}, func() float64 { return float64(s.Deliverer.Failed()) })
	s.registry.MustRegister(s.forwardedGauge, s.failedGauge)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.httpServer = &http.Server{Addr: s.Addr, Handler: mux}
	return nil
}

// StartAndBlock serves until Stop closes the listener, returning nil in
// that case.
func (s *Server) StartAndBlock() error {
	s.Logger.Info("Server.StartAndBlock", s.Addr, nil, "serving health and metrics endpoints")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.Logger.MaybeMinorError("Server.Stop", err)
		}
	}
}
