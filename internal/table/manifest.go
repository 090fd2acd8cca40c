package table

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hamba/avro/v2/ocf"

	"pkt.systems/lakecommit/internal/storage"
)

const manifestSchema = `{
  "type": "record",
  "name": "manifest_entry",
  "namespace": "lakecommit",
  "fields": [
    {"name": "snapshot_id", "type": "long"},
    {"name": "content", "type": "int"},
    {"name": "file_path", "type": "string"},
    {"name": "file_format", "type": "string"},
    {"name": "partition", "type": {"type": "map", "values": "string"}},
    {"name": "record_count", "type": "long"},
    {"name": "file_size_in_bytes", "type": "long"},
    {"name": "equality_ids", "type": {"type": "array", "items": "int"}}
  ]
}`

// ManifestEntry is one file added by a snapshot. Entries inherit the
// sequence number of the snapshot that lists them.
type ManifestEntry struct {
	SnapshotID       int64             `avro:"snapshot_id"`
	Content          int32             `avro:"content"`
	FilePath         string            `avro:"file_path"`
	FileFormat       string            `avro:"file_format"`
	Partition        map[string]string `avro:"partition"`
	RecordCount      int64             `avro:"record_count"`
	FileSizeBytes    int64             `avro:"file_size_in_bytes"`
	EqualityFieldIDs []int32           `avro:"equality_ids"`
}

// FileContent reports the kind of file the entry references.
func (e ManifestEntry) FileContent() FileContent {
	return FileContent(e.Content)
}

func dataEntry(snapshotID int64, f DataFile) ManifestEntry {
	return ManifestEntry{
		SnapshotID:       snapshotID,
		Content:          int32(ContentData),
		FilePath:         f.Path,
		FileFormat:       f.Format,
		Partition:        nonNilMap(f.Partition),
		RecordCount:      f.RecordCount,
		FileSizeBytes:    f.FileSizeBytes,
		EqualityFieldIDs: []int32{},
	}
}

func deleteEntry(snapshotID int64, f DeleteFile) ManifestEntry {
	content := f.Content
	if content == ContentData {
		content = ContentPositionDeletes
	}
	ids := f.EqualityFieldIDs
	if ids == nil {
		ids = []int32{}
	}
	return ManifestEntry{
		SnapshotID:       snapshotID,
		Content:          int32(content),
		FilePath:         f.Path,
		FileFormat:       f.Format,
		Partition:        nonNilMap(f.Partition),
		RecordCount:      f.RecordCount,
		FileSizeBytes:    f.FileSizeBytes,
		EqualityFieldIDs: ids,
	}
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func encodeManifest(entries []ManifestEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(manifestSchema, &buf)
	if err != nil {
		return nil, fmt.Errorf("table: manifest encoder: %w", err)
	}
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return nil, fmt.Errorf("table: encode manifest entry %s: %w", entry.FilePath, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("table: close manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeManifest(data []byte) ([]ManifestEntry, error) {
	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("table: manifest decoder: %w", err)
	}
	var entries []ManifestEntry
	for dec.HasNext() {
		var entry ManifestEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("table: decode manifest entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := dec.Error(); err != nil {
		return nil, fmt.Errorf("table: read manifest: %w", err)
	}
	return entries, nil
}

func (c *Catalog) writeManifest(ctx context.Context, key string, entries []ManifestEntry) error {
	data, err := encodeManifest(entries)
	if err != nil {
		return err
	}
	_, err = storage.WriteObject(ctx, c.backend, c.warehouse, key, data, storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeAvro,
	})
	if err != nil {
		return fmt.Errorf("table: write manifest %s: %w", key, err)
	}
	return nil
}

func (c *Catalog) readManifest(ctx context.Context, key string) ([]ManifestEntry, error) {
	data, _, err := storage.ReadObject(ctx, c.backend, c.warehouse, key)
	if err != nil {
		return nil, fmt.Errorf("table: read manifest %s: %w", key, err)
	}
	return decodeManifest(data)
}
