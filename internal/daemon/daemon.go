// Package daemon holds the handful of setup helpers shared by
// cmd/mcprimaryd and cmd/mcsecondaryd: logger construction and the
// Prometheus /metrics HTTP endpoint.
package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewLogger builds a logrus entry at the given level, falling back to
// info if level does not parse.
func NewLogger(level string) *logrus.Entry {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return logrus.NewEntry(l)
}

// ServeMetrics starts a background HTTP server exposing /metrics on addr.
func ServeMetrics(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
}
