package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/axonops/axonops-delta-writer/internal/delta"
	"github.com/axonops/axonops-delta-writer/internal/registry"
	"github.com/axonops/axonops-delta-writer/internal/schema"
	"github.com/axonops/axonops-delta-writer/internal/writer"
)

// handlers implements the JSON endpoints.
type handlers struct {
	registry  *registry.EntityRegistry
	scheduler *writer.BatchScheduler
	logger    *slog.Logger
	// autoRegister registers an inline write schema on first use.
	autoRegister bool
}

func newHandlers(reg *registry.EntityRegistry, scheduler *writer.BatchScheduler, logger *slog.Logger, autoRegister bool) *handlers {
	return &handlers{registry: reg, scheduler: scheduler, logger: logger, autoRegister: autoRegister}
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrNilMetadata),
		errors.Is(err, registry.ErrNilSchema),
		errors.Is(err, registry.ErrFieldNotInSchema),
		errors.Is(err, writer.ErrEmptyTableName),
		errors.Is(err, schema.ErrEmptySchema):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrSchemaConflict):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrNotRegistered):
		status = http.StatusNotFound
	case errors.Is(err, writer.ErrWriteTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, writer.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handlers) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// entityRequest is the registration/update payload. The schema is an Avro
// record schema declaration.
type entityRequest struct {
	EntityType       string            `json:"entity_type"`
	Schema           json.RawMessage   `json:"schema"`
	PrimaryKeyColumn string            `json:"primary_key_column,omitempty"`
	PartitionColumns []string          `json:"partition_columns,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// entityResponse mirrors registered metadata.
type entityResponse struct {
	EntityType       string            `json:"entity_type"`
	SchemaVersion    string            `json:"schema_version"`
	PrimaryKeyColumn string            `json:"primary_key_column,omitempty"`
	PartitionColumns []string          `json:"partition_columns,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
	RegisteredAt     time.Time         `json:"registered_at"`
	LastUpdated      time.Time         `json:"last_updated"`
	Active           bool              `json:"active"`
}

func toEntityResponse(m *registry.EntityMetadata) entityResponse {
	return entityResponse{
		EntityType:       m.EntityType,
		SchemaVersion:    m.SchemaVersion,
		PrimaryKeyColumn: m.PrimaryKeyColumn,
		PartitionColumns: m.PartitionColumns,
		Properties:       m.Properties,
		RegisteredAt:     m.RegisteredAt,
		LastUpdated:      m.LastUpdated,
		Active:           m.Active,
	}
}

func (h *handlers) decodeEntity(r *http.Request) (string, *registry.EntityMetadata, error) {
	var req entityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", nil, errors.Join(registry.ErrNilMetadata, err)
	}
	recordSchema, err := schema.ParseAvro(string(req.Schema))
	if err != nil {
		return "", nil, errors.Join(registry.ErrNilSchema, err)
	}
	return req.EntityType, &registry.EntityMetadata{
		EntityType:       req.EntityType,
		Schema:           recordSchema,
		PrimaryKeyColumn: req.PrimaryKeyColumn,
		PartitionColumns: req.PartitionColumns,
		Properties:       req.Properties,
	}, nil
}

func (h *handlers) registerEntity(w http.ResponseWriter, r *http.Request) {
	entityType, meta, err := h.decodeEntity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.Register(entityType, meta); err != nil {
		writeError(w, err)
		return
	}
	registered, err := h.registry.Get(entityType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntityResponse(registered))
}

func (h *handlers) updateEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	_, meta, err := h.decodeEntity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.Update(entityType, meta); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.registry.Get(entityType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityResponse(updated))
}

func (h *handlers) listEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_types": h.registry.EntityTypes(),
	})
}

func (h *handlers) getEntity(w http.ResponseWriter, r *http.Request) {
	meta, err := h.registry.Get(chi.URLParam(r, "entityType"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityResponse(meta))
}

func (h *handlers) deactivateEntity(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deactivate(chi.URLParam(r, "entityType")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRequest carries a batch of records for one table. The schema is
// optional; with auto-registration enabled an unregistered table picks it up
// on first write.
type writeRequest struct {
	Records []delta.Record  `json:"records"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

// writeResponse reports the committed version.
type writeResponse struct {
	Version     int64 `json:"version"`
	RecordCount int   `json:"record_count"`
}

func (h *handlers) writeRecords(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	recordSchema, err := h.registry.GetSchema(table)
	if errors.Is(err, registry.ErrNotRegistered) && h.autoRegister && len(req.Schema) > 0 {
		recordSchema, err = h.registerOnFirstWrite(table, req.Schema)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.scheduler.Write(r.Context(), table, req.Records, recordSchema)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse{Version: result.Version, RecordCount: result.RecordCount})
}

// registerOnFirstWrite registers the inline schema for an unknown table.
// Registration is idempotent, so racing first writers converge.
func (h *handlers) registerOnFirstWrite(table string, schemaJSON json.RawMessage) (*schema.RecordSchema, error) {
	recordSchema, err := schema.ParseAvro(string(schemaJSON))
	if err != nil {
		return nil, errors.Join(registry.ErrNilSchema, err)
	}
	if err := h.registry.Register(table, &registry.EntityMetadata{
		EntityType: table,
		Schema:     recordSchema,
	}); err != nil {
		return nil, err
	}
	h.logger.Info("schema auto-registered on first write", slog.String("table", table))
	return recordSchema, nil
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st := h.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_registered": st.TotalRegistered,
		"active":           st.Active,
		"inactive":         st.Inactive,
		"entity_types":     st.EntityTypes,
		"health_score":     st.HealthScore,
		"queue_depth":      h.scheduler.QueueDepth(),
	})
}
