// Package api is the HTTP surface of the gateway: connection CRUD, metadata
// browsing, and query execution under /api/v1, plus health and /metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/gateway"
	"github.com/facet-io/facet/go/query"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	registry *connections.Registry
	queries  *gateway.QueryService
	metadata *gateway.MetadataService
}

func NewServer(registry *connections.Registry) *Server {
	return &Server{
		registry: registry,
		queries:  gateway.NewQueryService(registry),
		metadata: gateway.NewMetadataService(registry),
	}
}

// Router builds the route table. allowedOrigins configures CORS; an empty
// list allows any origin.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	var router = mux.NewRouter()

	router.Path("/").Methods("GET").HandlerFunc(s.serveRoot)
	router.Path("/api").Methods("GET").HandlerFunc(s.serveRoot)
	router.Path("/api/health").Methods("GET").HandlerFunc(s.serveHealth)
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())

	var v1 = router.PathPrefix("/api/v1").Subrouter()

	v1.Path("/connections").Methods("GET").HandlerFunc(s.listConnections)
	v1.Path("/connections").Methods("POST").HandlerFunc(s.createConnection)
	v1.Path("/connections/test").Methods("POST").HandlerFunc(s.testConnection)
	v1.Path("/connections/{id}").Methods("GET").HandlerFunc(s.getConnection)
	v1.Path("/connections/{id}").Methods("PUT").HandlerFunc(s.updateConnection)
	v1.Path("/connections/{id}").Methods("DELETE").HandlerFunc(s.deleteConnection)

	var meta = v1.PathPrefix("/metadata/connections/{id}").Subrouter()
	meta.Path("/tables").Methods("GET").HandlerFunc(s.listTables)
	meta.Path("/tables/{tableId}").Methods("GET").HandlerFunc(s.getTable)
	meta.Path("/tables/{tableId}").Methods("PUT").HandlerFunc(s.updateTable)
	meta.Path("/tables/{tableId}/columns").Methods("GET").HandlerFunc(s.listColumns)
	meta.Path("/relationships").Methods("GET").HandlerFunc(s.listRelationships)
	meta.Path("/refresh").Methods("POST").HandlerFunc(s.refreshMetadata)

	v1.Path("/query/execute").Methods("POST").HandlerFunc(s.executeQuery)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})(router)
}

func (s *Server) serveRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "facet-gateway",
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Error("writing response")
	}
}

// writeError maps service errors onto status codes: unknown resources are
// 404, invalid queries and unsupported backends are 400, predefined-mutation
// attempts are 403, anything else is 500.
func writeError(w http.ResponseWriter, err error) {
	var status = http.StatusInternalServerError
	switch {
	case errors.Is(err, connections.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, connections.ErrPredefined):
		status = http.StatusForbidden
	case errors.Is(err, query.ErrInvalidQuery), errors.Is(err, connector.ErrUnsupported):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, into any) error {
	return json.NewDecoder(r.Body).Decode(into)
}
