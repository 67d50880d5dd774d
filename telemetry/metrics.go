package telemetry

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

var CLIFlagMetricsListenAddress = &cli.StringFlag{
	Name:    "metrics-listen-address",
	Usage:   "listen address for prometheus metrics",
	Value:   "0.0.0.0:9090",
	EnvVars: []string{"METRICS_LISTEN_ADDRESS"},
}

// StartMetrics serves prometheus metrics on a dedicated listener in the
// background. Services that expose /metrics on their main router can
// skip calling this.
func StartMetrics(cctx *cli.Context) {
	logger := slog.Default().With("component", "telemetry")
	addr := cctx.String("metrics-listen-address")
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger.Info("serving metrics", "address", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
