// Package registry provides the entity type registry: metadata, schemas and
// schema fingerprints for every logical table the writer serves.
package registry

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/axonops/axonops-delta-writer/internal/schema"
)

// entityNamePattern constrains entity type names.
var entityNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// EntityMetadata describes one registered entity type.
type EntityMetadata struct {
	EntityType       string
	Schema           *schema.RecordSchema
	PrimaryKeyColumn string
	PartitionColumns []string
	Properties       map[string]string
	RegisteredAt     time.Time
	LastUpdated      time.Time
	// SchemaVersion is the fingerprint of Schema.
	SchemaVersion string
	Active        bool
}

// clone returns a shallow copy safe to hand out; the schema itself is
// treated as immutable by all callers.
func (m *EntityMetadata) clone() *EntityMetadata {
	cp := *m
	cp.PartitionColumns = append([]string(nil), m.PartitionColumns...)
	if m.Properties != nil {
		cp.Properties = make(map[string]string, len(m.Properties))
		for k, v := range m.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// Stats summarizes registry contents and health.
type Stats struct {
	TotalRegistered int
	Active          int
	Inactive        int
	EntityTypes     []string
	// HealthScore is 1.0 for a fully consistent registry and degrades with
	// every inconsistent or orphaned entry.
	HealthScore float64
}

// EntityRegistry maps entity type names to their metadata and schemas. One
// reader/writer lock guards the metadata map, the schema map and the
// registration-time map; the consistency invariant between them holds at
// every lock-release boundary.
type EntityRegistry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	metadata map[string]*EntityMetadata
	schemas  map[string]*schema.RecordSchema
	regTimes map[string]time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *EntityRegistry {
	return &EntityRegistry{
		logger:   logger,
		metadata: make(map[string]*EntityMetadata),
		schemas:  make(map[string]*schema.RecordSchema),
		regTimes: make(map[string]time.Time),
	}
}

// validate checks the name and the internal references of metadata.
func validate(entityType string, m *EntityMetadata) error {
	if !entityNamePattern.MatchString(entityType) {
		return fmt.Errorf("%w: %q", ErrInvalidName, entityType)
	}
	if m == nil {
		return ErrNilMetadata
	}
	if m.Schema == nil {
		return ErrNilSchema
	}
	if m.PrimaryKeyColumn != "" && !m.Schema.HasField(m.PrimaryKeyColumn) {
		return fmt.Errorf("%w: primary key column %q", ErrFieldNotInSchema, m.PrimaryKeyColumn)
	}
	for _, col := range m.PartitionColumns {
		if !m.Schema.HasField(col) {
			return fmt.Errorf("%w: partition column %q", ErrFieldNotInSchema, col)
		}
	}
	return nil
}

// Register adds a new entity type. Registering an active type again with an
// identical schema succeeds without mutation; a different schema fails with
// ErrSchemaConflict. Registering an inactive type reactivates it with the
// incoming metadata, preserving the original registration time.
func (r *EntityRegistry) Register(entityType string, m *EntityMetadata) error {
	if err := validate(entityType, m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.metadata[entityType]; ok {
		if existing.Active {
			if existing.Schema.Identical(m.Schema) {
				// At-most-once registration: identical re-register is a no-op.
				return nil
			}
			return fmt.Errorf("%w: entity type %q is active with fingerprint %s",
				ErrSchemaConflict, entityType, existing.SchemaVersion)
		}

		// Reactivation keeps the original registration time.
		stored := m.clone()
		stored.EntityType = entityType
		stored.RegisteredAt = existing.RegisteredAt
		stored.LastUpdated = now
		stored.SchemaVersion = m.Schema.Fingerprint()
		stored.Active = true
		r.metadata[entityType] = stored
		r.schemas[entityType] = m.Schema
		r.logger.Info("entity type reactivated",
			slog.String("entity_type", entityType),
			slog.String("schema_version", stored.SchemaVersion),
		)
		return nil
	}

	stored := m.clone()
	stored.EntityType = entityType
	stored.RegisteredAt = now
	stored.LastUpdated = now
	stored.SchemaVersion = m.Schema.Fingerprint()
	stored.Active = true
	r.metadata[entityType] = stored
	r.schemas[entityType] = m.Schema
	r.regTimes[entityType] = now

	r.logger.Info("entity type registered",
		slog.String("entity_type", entityType),
		slog.String("schema_version", stored.SchemaVersion),
		slog.Int("fields", len(m.Schema.Fields)),
	)
	return nil
}

// Update replaces the metadata of an existing entity type. Schema changes
// are permitted and logged; the registration time is preserved.
func (r *EntityRegistry) Update(entityType string, m *EntityMetadata) error {
	if err := validate(entityType, m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.metadata[entityType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, entityType)
	}

	newVersion := m.Schema.Fingerprint()
	if newVersion != existing.SchemaVersion {
		r.logger.Info("entity schema updated",
			slog.String("entity_type", entityType),
			slog.String("old_version", existing.SchemaVersion),
			slog.String("new_version", newVersion),
		)
	}

	stored := m.clone()
	stored.EntityType = entityType
	stored.RegisteredAt = existing.RegisteredAt
	stored.LastUpdated = time.Now()
	stored.SchemaVersion = newVersion
	stored.Active = existing.Active
	r.metadata[entityType] = stored
	r.schemas[entityType] = m.Schema
	return nil
}

// Deactivate marks an entity type inactive, retaining its schema so a later
// Register can reactivate it. Deactivating twice is a no-op.
func (r *EntityRegistry) Deactivate(entityType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.metadata[entityType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, entityType)
	}
	if !existing.Active {
		return nil
	}
	existing.Active = false
	existing.LastUpdated = time.Now()
	r.logger.Info("entity type deactivated", slog.String("entity_type", entityType))
	return nil
}

// Get returns the metadata of an entity type.
func (r *EntityRegistry) Get(entityType string) (*EntityMetadata, error) {
	r.mu.RLock()
	m, ok := r.metadata[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, entityType)
	}
	return m.clone(), nil
}

// GetSchema returns the schema of an entity type. A missing schema entry
// for a known type is repaired from metadata under the write lock.
func (r *EntityRegistry) GetSchema(entityType string) (*schema.RecordSchema, error) {
	r.mu.RLock()
	s, ok := r.schemas[entityType]
	if ok {
		r.mu.RUnlock()
		return s, nil
	}
	m, hasMeta := r.metadata[entityType]
	r.mu.RUnlock()

	if !hasMeta {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, entityType)
	}

	// Opportunistic repair: copy the schema back from metadata.
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.schemas[entityType]; ok {
		return s, nil
	}
	r.schemas[entityType] = m.Schema
	r.logger.Warn("repaired missing schema entry", slog.String("entity_type", entityType))
	return m.Schema, nil
}

// IsRegistered reports whether an entity type exists and is active.
func (r *EntityRegistry) IsRegistered(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metadata[entityType]
	return ok && m.Active
}

// EntityTypes returns all known entity type names.
func (r *EntityRegistry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.metadata))
	for t := range r.metadata {
		types = append(types, t)
	}
	return types
}

// ValidateConsistency repairs divergence between the metadata map and the
// schema map: missing schema entries are copied from metadata, fingerprint
// mismatches are overwritten from metadata, and schema entries without
// metadata are removed together with their registration time. Returns the
// number of repairs; it never fails and is idempotent.
func (r *EntityRegistry) ValidateConsistency() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	repairs := 0
	for entityType, m := range r.metadata {
		s, ok := r.schemas[entityType]
		if !ok {
			r.schemas[entityType] = m.Schema
			repairs++
			r.logger.Warn("consistency repair: schema entry restored",
				slog.String("entity_type", entityType))
			continue
		}
		if s.Fingerprint() != m.SchemaVersion {
			r.schemas[entityType] = m.Schema
			repairs++
			r.logger.Warn("consistency repair: schema entry overwritten",
				slog.String("entity_type", entityType))
		}
	}
	for entityType := range r.schemas {
		if _, ok := r.metadata[entityType]; !ok {
			delete(r.schemas, entityType)
			delete(r.regTimes, entityType)
			repairs++
			r.logger.Warn("consistency repair: orphaned schema removed",
				slog.String("entity_type", entityType))
		}
	}
	return repairs
}

// Stats returns counts and a health score. The score is 1.0 when the maps
// agree everywhere (and for an empty registry), degrading by the fraction of
// inconsistent plus orphaned entries.
func (r *EntityRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{EntityTypes: make([]string, 0, len(r.metadata))}
	inconsistent := 0
	for entityType, m := range r.metadata {
		st.TotalRegistered++
		if m.Active {
			st.Active++
		} else {
			st.Inactive++
		}
		st.EntityTypes = append(st.EntityTypes, entityType)

		s, ok := r.schemas[entityType]
		if !ok || s.Fingerprint() != m.SchemaVersion {
			inconsistent++
		}
	}
	orphaned := 0
	for entityType := range r.schemas {
		if _, ok := r.metadata[entityType]; !ok {
			orphaned++
		}
	}

	if st.TotalRegistered == 0 && orphaned == 0 {
		st.HealthScore = 1.0
		return st
	}
	total := st.TotalRegistered + orphaned
	score := 1.0 - float64(inconsistent+orphaned)/float64(total)
	if score < 0 {
		score = 0
	}
	st.HealthScore = score
	return st
}

// ClearAll removes everything. Test use only.
func (r *EntityRegistry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = make(map[string]*EntityMetadata)
	r.schemas = make(map[string]*schema.RecordSchema)
	r.regTimes = make(map[string]time.Time)
}
