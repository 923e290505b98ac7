package delta

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"

	"github.com/axonops/axonops-delta-writer/internal/storage"
)

// Record is one row keyed by field name. Values may be native Go types or
// the loosely typed values a JSON decoder produces.
type Record map[string]interface{}

// DataFile describes a written Parquet part file.
type DataFile struct {
	// Path is relative to the table root, as recorded in the add action.
	Path    string
	Size    int64
	Records int64
}

// arrowType maps a Delta primitive to its Arrow counterpart.
func arrowType(t DataType) (arrow.DataType, error) {
	switch t {
	case TypeString:
		return arrow.BinaryTypes.String, nil
	case TypeInteger:
		return arrow.PrimitiveTypes.Int32, nil
	case TypeLong:
		return arrow.PrimitiveTypes.Int64, nil
	case TypeFloat:
		return arrow.PrimitiveTypes.Float32, nil
	case TypeDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case TypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	default:
		return nil, fmt.Errorf("no arrow mapping for delta type %q", t)
	}
}

// ArrowSchema converts a Delta schema into an Arrow schema.
func ArrowSchema(schema *StructType) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		at, err := arrowType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: at, Nullable: f.Nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

// buildBatch assembles one column-major batch over the target schema. For
// each record the value is read by field name. A missing or nil value in a
// nullable column sets the null bit, which the columnar layout backs with the
// type default; in a required column it is stored as the type default with no
// null bit.
func buildBatch(schema *StructType, arrowSchema *arrow.Schema, records []Record) (arrow.Record, error) {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, arrowSchema)
	defer builder.Release()

	for i, field := range schema.Fields {
		fb := builder.Field(i)
		for _, rec := range records {
			v, ok := rec[field.Name]
			if !ok || v == nil {
				if field.Nullable {
					fb.AppendNull()
				} else {
					// Required columns cannot carry a null bit; they get
					// the type default instead.
					appendDefault(fb)
				}
				continue
			}
			if err := appendValue(fb, field.Type, v); err != nil {
				return nil, fmt.Errorf("field %q: %w", field.Name, err)
			}
		}
	}
	return builder.NewRecord(), nil
}

// appendValue appends one value to a column builder, coercing the loose
// types a JSON decoder produces (float64 for all numbers).
func appendValue(fb array.Builder, t DataType, v interface{}) error {
	switch b := fb.(type) {
	case *array.StringBuilder:
		switch val := v.(type) {
		case string:
			b.Append(val)
		default:
			b.Append(fmt.Sprintf("%v", val))
		}
	case *array.Int32Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(int32(n))
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float32Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(float32(f))
	case *array.Float64Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.Append(val)
	case *array.BinaryBuilder:
		switch val := v.(type) {
		case []byte:
			b.Append(val)
		case string:
			b.Append([]byte(val))
		default:
			return fmt.Errorf("expected bytes, got %T", v)
		}
	default:
		return fmt.Errorf("unsupported builder %T for delta type %q", fb, t)
	}
	return nil
}

// appendDefault appends the zero value for the builder's type.
func appendDefault(fb array.Builder) {
	switch b := fb.(type) {
	case *array.StringBuilder:
		b.Append("")
	case *array.Int32Builder:
		b.Append(0)
	case *array.Int64Builder:
		b.Append(0)
	case *array.Float32Builder:
		b.Append(0)
	case *array.Float64Builder:
		b.Append(0)
	case *array.BooleanBuilder:
		b.Append(false)
	case *array.BinaryBuilder:
		b.Append([]byte{})
	default:
		fb.AppendNull()
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// encodeParquet serializes a batch as a Snappy-compressed Parquet file.
func encodeParquet(arrowSchema *arrow.Schema, batch arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(arrowSchema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(batch); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write parquet batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDataFile encodes records over the target schema and stores them as
// one Parquet part file under the table directory, inside partitionDir when
// one is given. The returned path is relative to the table root, as add
// actions require.
func WriteDataFile(ctx context.Context, store storage.ObjectStore, tablePath, partitionDir string, schema *StructType, records []Record) (DataFile, error) {
	arrowSchema, err := ArrowSchema(schema)
	if err != nil {
		return DataFile{}, err
	}
	batch, err := buildBatch(schema, arrowSchema, records)
	if err != nil {
		return DataFile{}, err
	}
	defer batch.Release()

	data, err := encodeParquet(arrowSchema, batch)
	if err != nil {
		return DataFile{}, err
	}

	name := fmt.Sprintf("part-00000-%s-c000.snappy.parquet", uuid.New().String())
	if dir := strings.Trim(partitionDir, "/"); dir != "" {
		name = dir + "/" + name
	}
	info, err := store.Put(ctx, tablePath+"/"+name, data)
	if err != nil {
		return DataFile{}, fmt.Errorf("failed to store data file: %w", err)
	}
	return DataFile{Path: name, Size: info.Size, Records: int64(len(records))}, nil
}

// AddAction builds the add action publishing a data file.
func (f DataFile) AddAction(partitionValues map[string]string) Add {
	if partitionValues == nil {
		partitionValues = map[string]string{}
	}
	return Add{
		Path:             f.Path,
		PartitionValues:  partitionValues,
		Size:             f.Size,
		ModificationTime: time.Now().UnixMilli(),
		DataChange:       true,
		Stats:            fmt.Sprintf(`{"numRecords":%d}`, f.Records),
	}
}
