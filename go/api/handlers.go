package api

import (
	"fmt"
	"net/http"

	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/metadata"
	"github.com/facet-io/facet/go/query"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// connectionPayload is the request body of connection create, update, and
// test calls.
type connectionPayload struct {
	Name   string             `json:"name"`
	Type   string             `json:"type"`
	Config connections.Config `json:"config"`
}

func (p *connectionPayload) validate() error {
	if p.Type == "" {
		return fmt.Errorf("missing connection 'type': %w", query.ErrInvalidQuery)
	}
	return nil
}

// sensitiveKeys are masked in connection responses.
var sensitiveKeys = []string{"password", "credentials_json"}

func redact(conn *connections.Connection) *connections.Connection {
	var copied = *conn
	copied.Config = make(connections.Config, len(conn.Config))
	for key, value := range conn.Config {
		copied.Config[key] = value
	}
	for _, key := range sensitiveKeys {
		if _, ok := copied.Config[key]; ok {
			copied.Config[key] = "********"
		}
	}
	return &copied
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	var out []*connections.Connection
	for _, conn := range s.registry.List() {
		out = append(out, redact(conn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	var payload connectionPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, fmt.Errorf("decoding request: %w", query.ErrInvalidQuery))
		return
	}
	if err := payload.validate(); err != nil {
		writeError(w, err)
		return
	}
	var conn = s.registry.Create(payload.Name, payload.Type, payload.Config)
	writeJSON(w, http.StatusCreated, redact(conn))
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(conn))
}

func (s *Server) updateConnection(w http.ResponseWriter, r *http.Request) {
	var payload connectionPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, fmt.Errorf("decoding request: %w", query.ErrInvalidQuery))
		return
	}
	if err := payload.validate(); err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.registry.Update(mux.Vars(r)["id"], payload.Name, payload.Type, payload.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metadata.Invalidate(conn.ID)
	writeJSON(w, http.StatusOK, redact(conn))
}

func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request) {
	var id = mux.Vars(r)["id"]
	if err := s.registry.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	s.metadata.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

// testConnection probes the submitted definition without saving it. A failed
// probe is a successful request: the outcome rides in the body.
func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	var payload connectionPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, fmt.Errorf("decoding request: %w", query.ErrInvalidQuery))
		return
	}
	if err := payload.validate(); err != nil {
		writeError(w, err)
		return
	}

	var ok, message = s.queries.TestConnection(r.Context(), &connections.Connection{
		Name:   payload.Name,
		Type:   payload.Type,
		Config: payload.Config,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": ok, "message": message})
}

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.metadata.GetTables(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) getTable(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	table, columns, err := s.metadata.GetTable(r.Context(), vars["id"], vars["tableId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": table, "columns": columns})
}

func (s *Server) updateTable(w http.ResponseWriter, r *http.Request) {
	var update metadata.TableUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, fmt.Errorf("decoding request: %w", query.ErrInvalidQuery))
		return
	}
	var vars = mux.Vars(r)
	table, err := s.metadata.UpdateTable(r.Context(), vars["id"], vars["tableId"], update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": table})
}

func (s *Server) listColumns(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	columns, err := s.metadata.GetColumns(r.Context(), vars["id"], vars["tableId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": columns})
}

func (s *Server) listRelationships(w http.ResponseWriter, r *http.Request) {
	relationships, err := s.metadata.GetRelationships(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": relationships})
}

func (s *Server) refreshMetadata(w http.ResponseWriter, r *http.Request) {
	summary, err := s.metadata.Refresh(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// queryRequest is the execute body. The top-level connectionId takes
// precedence over the model's own source when both are present.
type queryRequest struct {
	ConnectionID string      `json:"connectionId"`
	Query        query.Model `json:"query"`
}

func (s *Server) executeQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("decoding query model: %w", query.ErrInvalidQuery))
		return
	}
	var model = req.Query
	if req.ConnectionID != "" {
		model.Source.ConnectionID = req.ConnectionID
	}

	result, err := s.queries.Execute(r.Context(), &model)
	if err != nil {
		log.WithFields(log.Fields{
			"connection": model.Source.ConnectionID,
			"err":        err,
		}).Warn("query rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
