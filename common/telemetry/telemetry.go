package telemetry

import (
	"context"
	"net/http"
	"net/http/pprof"

	"github.com/lyzr/modelrelay/common/logger"
	"github.com/lyzr/modelrelay/common/metrics"
	"github.com/lyzr/modelrelay/common/server"
)

// Telemetry holds observability endpoints
type Telemetry struct {
	log           *logger.Logger
	enablePprof   bool
	pprofPort     int
	enableMetrics bool
	metricsPort   int
}

// New creates telemetry components; a disabled endpoint is never started
func New(enablePprof bool, pprofPort int, enableMetrics bool, metricsPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:           log,
		enablePprof:   enablePprof,
		pprofPort:     pprofPort,
		enableMetrics: enableMetrics,
		metricsPort:   metricsPort,
	}
}

// Start serves the enabled endpoints until ctx is done
func (t *Telemetry) Start(ctx context.Context) error {
	errs := make(chan error, 2)
	running := 0

	if t.enablePprof {
		running++
		go func() {
			errs <- server.New("pprof server", t.pprofPort, pprofMux(), t.log).Start(ctx)
		}()
	}

	if t.enableMetrics {
		running++
		go func() {
			errs <- server.New("metrics server", t.metricsPort, MetricsMux(), t.log).Start(ctx)
		}()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			t.log.Error("telemetry server error", "error", err)
			firstErr = err
		}
	}
	return firstErr
}

// MetricsMux serves /metrics and /health
func MetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", server.HealthHandler())
	return mux
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
