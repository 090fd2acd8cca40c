package event

import (
	"fmt"
	"time"

	"github.com/hamba/avro/v2"

	"pkt.systems/lakecommit/internal/table"
)

const wireSchema = `{
  "type": "record",
  "name": "control_event",
  "namespace": "lakecommit",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "group_id", "type": "string"},
    {"name": "timestamp_ms", "type": "long"},
    {"name": "type", "type": "string"},
    {"name": "commit_id", "type": "string"},
    {"name": "assignments", "type": {"type": "array", "items": {
      "type": "record", "name": "topic_partition",
      "fields": [
        {"name": "topic", "type": "string"},
        {"name": "partition", "type": "int"}
      ]}}},
    {"name": "table", "type": ["null", {
      "type": "record", "name": "table_name",
      "fields": [
        {"name": "namespace", "type": "string"},
        {"name": "name", "type": "string"}
      ]}], "default": null},
    {"name": "files", "type": {"type": "array", "items": {
      "type": "record", "name": "content_file",
      "fields": [
        {"name": "content", "type": "int"},
        {"name": "path", "type": "string"},
        {"name": "format", "type": "string"},
        {"name": "partition", "type": {"type": "map", "values": "string"}},
        {"name": "record_count", "type": "long"},
        {"name": "file_size_in_bytes", "type": "long"},
        {"name": "equality_ids", "type": {"type": "array", "items": "int"}}
      ]}}}
  ]
}`

var schema = avro.MustParse(wireSchema)

type wireTopicPartition struct {
	Topic     string `avro:"topic"`
	Partition int32  `avro:"partition"`
}

type wireTable struct {
	Namespace string `avro:"namespace"`
	Name      string `avro:"name"`
}

type wireFile struct {
	Content       int32             `avro:"content"`
	Path          string            `avro:"path"`
	Format        string            `avro:"format"`
	Partition     map[string]string `avro:"partition"`
	RecordCount   int64             `avro:"record_count"`
	FileSizeBytes int64             `avro:"file_size_in_bytes"`
	EqualityIDs   []int32           `avro:"equality_ids"`
}

type wireEvent struct {
	ID          string               `avro:"id"`
	GroupID     string               `avro:"group_id"`
	TimestampMs int64                `avro:"timestamp_ms"`
	Type        string               `avro:"type"`
	CommitID    string               `avro:"commit_id"`
	Assignments []wireTopicPartition `avro:"assignments"`
	Table       *wireTable           `avro:"table"`
	Files       []wireFile           `avro:"files"`
}

// Encode validates e and serialises it with the control event schema.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	w := wireEvent{
		ID:          e.ID,
		GroupID:     e.GroupID,
		TimestampMs: e.Timestamp.UnixMilli(),
		Type:        string(e.Type),
		CommitID:    e.CommitID(),
		Assignments: []wireTopicPartition{},
		Files:       []wireFile{},
	}
	switch e.Type {
	case TypeCommitReady:
		for _, tp := range e.Ready.Assignments {
			w.Assignments = append(w.Assignments, wireTopicPartition{Topic: tp.Topic, Partition: tp.Partition})
		}
	case TypeCommitResponse:
		w.Table = &wireTable{Namespace: e.Response.Table.Namespace, Name: e.Response.Table.Name}
		for _, f := range e.Response.DataFiles {
			w.Files = append(w.Files, wireFile{
				Content:       int32(table.ContentData),
				Path:          f.Path,
				Format:        f.Format,
				Partition:     stringMap(f.Partition),
				RecordCount:   f.RecordCount,
				FileSizeBytes: f.FileSizeBytes,
				EqualityIDs:   []int32{},
			})
		}
		for _, f := range e.Response.DeleteFiles {
			ids := f.EqualityFieldIDs
			if ids == nil {
				ids = []int32{}
			}
			w.Files = append(w.Files, wireFile{
				Content:       int32(f.Content),
				Path:          f.Path,
				Format:        f.Format,
				Partition:     stringMap(f.Partition),
				RecordCount:   f.RecordCount,
				FileSizeBytes: f.FileSizeBytes,
				EqualityIDs:   ids,
			})
		}
	}
	data, err := avro.Marshal(schema, w)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses an encoded event. Events of an unknown type fail with
// ErrUnknownType.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := avro.Unmarshal(schema, data, &w); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	e := Event{
		ID:        w.ID,
		GroupID:   w.GroupID,
		Timestamp: time.UnixMilli(w.TimestampMs).UTC(),
		Type:      Type(w.Type),
	}
	switch e.Type {
	case TypeCommitRequest:
		e.Request = &CommitRequest{CommitID: w.CommitID}
	case TypeCommitReady:
		ready := &CommitReady{CommitID: w.CommitID}
		for _, tp := range w.Assignments {
			ready.Assignments = append(ready.Assignments, TopicPartition{Topic: tp.Topic, Partition: tp.Partition})
		}
		e.Ready = ready
	case TypeCommitResponse:
		resp := &CommitResponse{CommitID: w.CommitID}
		if w.Table != nil {
			resp.Table = table.Identifier{Namespace: w.Table.Namespace, Name: w.Table.Name}
		}
		for _, f := range w.Files {
			if table.FileContent(f.Content) == table.ContentData {
				resp.DataFiles = append(resp.DataFiles, table.DataFile{
					Path:          f.Path,
					Format:        f.Format,
					Partition:     f.Partition,
					RecordCount:   f.RecordCount,
					FileSizeBytes: f.FileSizeBytes,
				})
				continue
			}
			resp.DeleteFiles = append(resp.DeleteFiles, table.DeleteFile{
				Path:             f.Path,
				Format:           f.Format,
				Content:          table.FileContent(f.Content),
				Partition:        f.Partition,
				RecordCount:      f.RecordCount,
				FileSizeBytes:    f.FileSizeBytes,
				EqualityFieldIDs: f.EqualityIDs,
			})
		}
		e.Response = resp
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func stringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
