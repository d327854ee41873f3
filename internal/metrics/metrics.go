// Package metrics registers the engine's Prometheus instruments and serves
// them alongside the liveness endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trading_cycles_total", Help: "Count of completed trading cycles"},
	)
	CycleDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "trading_cycle_duration_seconds", Help: "Duration of the last trading cycle"},
	)
	SymbolsScreened = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "symbols_screened", Help: "Candidates in the current screened set"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Currently open positions"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side", "outcome"},
	)
	SymbolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "symbol_errors_total", Help: "Symbol-scoped data and execution errors"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(CyclesTotal, CycleDuration, SymbolsScreened, OpenPositions, OrdersTotal, SymbolErrorsTotal)
}

// Healther reports whether the engine is live; wired to the engine's last
// cycle snapshot.
type Healther interface {
	Healthy() bool
}

// Serve exposes /metrics and /healthz on addr. The server runs until closed
// by the caller.
func Serve(addr string, health Healther) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil && !health.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
