package api

import (
	"net/http"

	"admission-gateway/internal/logging"
	"admission-gateway/internal/monitoring"
	"admission-gateway/internal/upstream"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
)

// Routes groups the handlers SetupRoutes mounts next to the admin API.
// Nil members are not mounted.
type Routes struct {
	Health      *monitoring.HealthManager
	Exporter    *monitoring.PrometheusExporter
	MetricsPath string
	Upstream    http.Handler
}

// SetupRoutes configures all REST API routes
func (h *RESTHandler) SetupRoutes(routes Routes) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(logging.CorrelationIDMiddleware(h.logger))
	router.Use(logging.LoggingMiddleware(h.logger))
	if routes.Exporter != nil {
		router.Use(routes.Exporter.MetricsMiddleware)
	}

	if routes.Health != nil {
		router.Handle("/health", routes.Health.Handler()).Methods(http.MethodGet)
	}
	if routes.Exporter != nil {
		path := routes.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, gziphandler.GzipHandler(routes.Exporter)).Methods(http.MethodGet)
	}

	// Operator API
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(h.AdminAuthMiddleware)
	admin.Handle("/stats", gziphandler.GzipHandler(http.HandlerFunc(h.Stats))).Methods(http.MethodGet)
	admin.HandleFunc("/limits/{identity}", h.LimitInfo).Methods(http.MethodGet)
	admin.HandleFunc("/bot-score", h.ReportBotScore).Methods(http.MethodPost)
	admin.HandleFunc("/auto-disable", h.AutoDisable).Methods(http.MethodPost)
	admin.HandleFunc("/blacklist/{identity}", h.Unblock).Methods(http.MethodDelete)

	// Metered API
	if routes.Upstream != nil {
		router.PathPrefix(upstream.Prefix + "/").Handler(h.AdmissionMiddleware(routes.Upstream))
	}

	return router
}
