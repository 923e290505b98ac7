package schema

import (
	"log/slog"
	"time"

	"github.com/axonops/axonops-delta-writer/internal/cache"
	"github.com/axonops/axonops-delta-writer/internal/delta"
)

// Translator converts record schemas into Delta table schemas. Results are
// cached by the record schema's canonical form, so two schemas that share a
// record name but differ in fields get separate entries. Entries never
// expire; the cache holds up to 1024 translations and evicts the least
// recently used beyond that.
type Translator struct {
	logger *slog.Logger
	cache  *cache.Cache
}

// NewTranslator creates a translator.
func NewTranslator(logger *slog.Logger) *Translator {
	return &Translator{
		logger: logger,
		cache:  cache.New(1024, time.Duration(0)),
	}
}

// ToDeltaSchema translates a record schema into the Delta schema type.
func (t *Translator) ToDeltaSchema(recordSchema *RecordSchema) (*delta.StructType, error) {
	v, err := t.cache.GetOrCompute(recordSchema.Canonical(), func() (interface{}, error) {
		return t.translate(recordSchema), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*delta.StructType), nil
}

func (t *Translator) translate(recordSchema *RecordSchema) *delta.StructType {
	fields := make([]delta.StructField, 0, len(recordSchema.Fields))
	for _, f := range recordSchema.Fields {
		fields = append(fields, delta.StructField{
			Name:     f.Name,
			Type:     t.deltaType(recordSchema.Name, f),
			Nullable: f.Nullable,
		})
	}
	return delta.NewStructType(fields...)
}

// deltaType maps one field type. Complex or unknown types degrade to string
// so that ingestion keeps working when producers evolve ahead of the writer.
func (t *Translator) deltaType(schemaName string, f Field) delta.DataType {
	switch f.Type {
	case TypeString:
		return delta.TypeString
	case TypeInt32:
		return delta.TypeInteger
	case TypeInt64:
		return delta.TypeLong
	case TypeFloat32:
		return delta.TypeFloat
	case TypeFloat64:
		return delta.TypeDouble
	case TypeBool:
		return delta.TypeBoolean
	case TypeBytes:
		return delta.TypeBinary
	default:
		t.logger.Warn("unsupported field type mapped to string",
			slog.String("schema", schemaName),
			slog.String("field", f.Name),
			slog.String("type", string(f.Type)),
		)
		return delta.TypeString
	}
}
