package main

import (
	"net/http"

	"github.com/angeloszaimis/experella/internal/loadbalancer"
	"github.com/angeloszaimis/experella/internal/metrics"
)

func setupRouter(manager *loadbalancer.ConnectionManager, metricsCollector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /metrics", metricsCollector.Handler(manager))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	return mux
}
