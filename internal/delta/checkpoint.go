package delta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/axonops/axonops-delta-writer/internal/storage"
)

// Checkpoints consolidate the action state at a version into one Parquet
// file so snapshot loads replay only the log tail. Each row holds one action
// in the same single-line JSON encoding as the log entries.
var checkpointSchema = arrow.NewSchema([]arrow.Field{
	{Name: "action", Type: arrow.BinaryTypes.String, Nullable: false},
}, nil)

// WriteCheckpoint writes a checkpoint of the table state at the given
// version and updates the _last_checkpoint pointer.
func WriteCheckpoint(ctx context.Context, store storage.ObjectStore, tablePath string, version int64) error {
	log := NewLog(store, tablePath)

	versions, err := log.Versions(ctx)
	if err != nil {
		return err
	}

	// Fold all actions up to and including the checkpoint version.
	state := &Snapshot{Version: version}
	seen := false
	for _, v := range versions {
		if v > version {
			continue
		}
		actions, err := log.Read(ctx, v)
		if err != nil {
			return fmt.Errorf("failed to read version %d for checkpoint: %w", v, err)
		}
		state.apply(actions)
		seen = true
	}
	if !seen {
		return fmt.Errorf("checkpoint version %d: %w", version, ErrTableNotFound)
	}

	actions := make([]Action, 0, len(state.Files)+2)
	if state.Protocol != nil {
		actions = append(actions, Action{Protocol: state.Protocol})
	}
	if state.Metadata != nil {
		actions = append(actions, Action{MetaData: state.Metadata})
	}
	for i := range state.Files {
		actions = append(actions, Action{Add: &state.Files[i]})
	}

	data, err := encodeCheckpoint(actions)
	if err != nil {
		return err
	}

	cpPath := log.LogDir() + "/" + checkpointFileName(version)
	if _, err := store.Put(ctx, cpPath, data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	pointer, err := json.Marshal(lastCheckpoint{Version: version, Size: int64(len(actions))})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint pointer: %w", err)
	}
	if _, err := store.Put(ctx, log.LogDir()+"/"+lastCheckpointName, pointer); err != nil {
		return fmt.Errorf("failed to update checkpoint pointer: %w", err)
	}
	return nil
}

// encodeCheckpoint serializes actions into the checkpoint Parquet layout.
func encodeCheckpoint(actions []Action) ([]byte, error) {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, checkpointSchema)
	defer builder.Release()

	sb := builder.Field(0).(*array.StringBuilder)
	for i, a := range actions {
		line, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint action %d: %w", i, err)
		}
		sb.Append(string(line))
	}

	batch := builder.NewRecord()
	defer batch.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(checkpointSchema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint writer: %w", err)
	}
	if err := writer.Write(batch); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write checkpoint batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

// readCheckpoint loads the actions stored in a checkpoint file.
func readCheckpoint(ctx context.Context, store storage.ObjectStore, log *Log, version int64) ([]Action, error) {
	data, err := store.Get(ctx, log.LogDir()+"/"+checkpointFileName(version))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %d: %w", version, err)
	}

	reader, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint %d: %w", version, err)
	}
	defer reader.Close()

	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %d: %w", version, err)
	}
	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %d: %w", version, err)
	}
	defer table.Release()

	var actions []Action
	col := table.Column(0)
	for _, chunk := range col.Data().Chunks() {
		strs, ok := chunk.(*array.String)
		if !ok {
			return nil, fmt.Errorf("checkpoint %d has unexpected column type %T", version, chunk)
		}
		for i := 0; i < strs.Len(); i++ {
			var a Action
			if err := json.Unmarshal([]byte(strs.Value(i)), &a); err != nil {
				return nil, fmt.Errorf("checkpoint %d row %d: %w", version, i, err)
			}
			actions = append(actions, a)
		}
	}
	return actions, nil
}
