// Package metrics holds the Prometheus collectors for the broker.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Calls counts orchestrator calls by method and outcome (ok, error, timeout, notification).
	Calls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbrowser_calls_total",
			Help: "Total broker calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// BackendTimeouts counts correlated requests that expired.
	BackendTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbrowser_backend_timeouts_total",
			Help: "Total backend request timeouts by server and method",
		},
		[]string{"server", "method"},
	)

	// BackendTransitions counts lifecycle state changes.
	BackendTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbrowser_backend_transitions_total",
			Help: "Total backend lifecycle transitions by server and target state",
		},
		[]string{"server", "state"},
	)

	// Discovers counts discovery queries by outcome (match, empty, error).
	Discovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbrowser_discover_total",
			Help: "Total discovery queries by outcome",
		},
		[]string{"outcome"},
	)

	// Sessions tracks connected daemon clients.
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpbrowser_daemon_sessions",
			Help: "Number of currently connected daemon clients",
		},
	)

	// RegistryTools tracks the number of real tools in the registry.
	RegistryTools = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpbrowser_registry_tools",
			Help: "Number of real tools held by the discovery registry",
		},
	)
)

// knownMethods are the MCP methods reported under their own label.
var knownMethods = map[string]bool{
	"initialize":                true,
	"ping":                      true,
	"tools/list":                true,
	"tools/call":                true,
	"prompts/list":              true,
	"prompts/get":               true,
	"resources/list":            true,
	"resources/read":            true,
	"resources/templates/list":  true,
	"completion/complete":       true,
	"logging/setLevel":          true,
	"notifications/initialized": true,
	"notifications/cancelled":   true,
}

// MethodLabel bounds the method label of Calls. Caller-chosen methods
// outside the MCP set collapse to "other".
func MethodLabel(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
