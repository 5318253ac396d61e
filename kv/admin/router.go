// Package admin serves the administrative HTTP API of an engine: status,
// manual checkpoints and vacuums, replication slots and metrics.
package admin

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinypg/tinypg/kv/engine"
	"github.com/unrolled/render"
)

const pingAPI = "/ping"

// NewHandler returns the admin API of e.
func NewHandler(e *engine.Engine) http.Handler {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter()
	router.HandleFunc(pingAPI, func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	statusHandler := newStatusHandler(e, rd)
	router.Handle("/api/v1/status", statusHandler).Methods("GET")

	maintHandler := newMaintenanceHandler(e, rd)
	router.HandleFunc("/api/v1/checkpoint", maintHandler.Checkpoint).Methods("POST")
	router.HandleFunc("/api/v1/vacuum", maintHandler.Vacuum).Methods("POST")

	slotsHandler := newSlotsHandler(e, rd)
	router.HandleFunc("/api/v1/slots", slotsHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/slots", slotsHandler.Post).Methods("POST")
	router.HandleFunc("/api/v1/slots/{name}", slotsHandler.Get).Methods("GET")
	router.HandleFunc("/api/v1/slots/{name}", slotsHandler.Delete).Methods("DELETE")
	router.HandleFunc("/api/v1/slots/{name}/demote", slotsHandler.Demote).Methods("POST")

	logHandler := newLogHandler(rd)
	router.HandleFunc("/api/v1/admin/log", logHandler.Handle).Methods("POST")

	return router
}
