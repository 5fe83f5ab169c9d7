// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// Routes returns an HTTP ServeMux with all application routes: the banner,
// the WebSocket endpoint, health and readiness probes, metrics and the test
// page.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleBanner)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/test", s.handleTestPage)
	return mux
}
