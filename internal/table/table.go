// Package table is a small versioned-table engine over a storage.Backend.
// Each table keeps a JSON metadata document swapped by ETag compare-and-swap
// and one Avro manifest per snapshot listing the files that snapshot added.
package table

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTableNotFound is returned when no metadata exists for an identifier.
	ErrTableNotFound = errors.New("table: not found")
	// ErrTableExists is returned by CreateTable when the table already exists.
	ErrTableExists = errors.New("table: already exists")
	// ErrCommitConflict is returned when a commit keeps losing the metadata
	// swap after every configured retry.
	ErrCommitConflict = errors.New("table: commit conflict")
	// ErrInvalidIdentifier reports an unusable namespace or table name.
	ErrInvalidIdentifier = errors.New("table: invalid identifier")
)

// Table properties understood by the engine.
const (
	PropCommitNumRetries       = "commit.retry.num-retries"
	DefaultCommitNumRetries    = 4
	FormatVersion              = 2
	metadataFile               = "metadata.json"
	tablesPrefix               = "tables/"
	manifestsDir               = "manifests"
	manifestExtension          = ".avro"
	identifierSeparator        = "."
	forbiddenIdentifierSymbols = "/\\"
)

// Snapshot operations.
const (
	OpAppend    = "append"
	OpOverwrite = "overwrite"
	OpDelete    = "delete"
)

// Snapshot summary keys.
const (
	SummaryOperation        = "operation"
	SummaryAddedDataFiles   = "added-data-files"
	SummaryAddedDeleteFiles = "added-delete-files"
	SummaryAddedRecords     = "added-records"
	SummaryAddedFilesSize   = "added-files-size"
	SummaryTotalDataFiles   = "total-data-files"
	SummaryTotalDeleteFiles = "total-delete-files"
	SummaryTotalRecords     = "total-records"
)

// Identifier names a table inside a namespace.
type Identifier struct {
	Namespace string
	Name      string
}

// String renders the identifier as namespace.name.
func (id Identifier) String() string {
	return id.Namespace + identifierSeparator + id.Name
}

// Validate reports whether both parts are usable as object key segments.
func (id Identifier) Validate() error {
	if id.Namespace == "" || id.Name == "" {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id.String())
	}
	if strings.ContainsAny(id.Namespace, forbiddenIdentifierSymbols) || strings.ContainsAny(id.Name, forbiddenIdentifierSymbols+identifierSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id.String())
	}
	return nil
}

// ParseIdentifier splits s at its last dot. Namespaces may contain dots.
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, identifierSeparator)
	if idx <= 0 || idx == len(s)-1 {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	id := Identifier{Namespace: s[:idx], Name: s[idx+1:]}
	if err := id.Validate(); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

func (id Identifier) root() string {
	return tablesPrefix + id.Namespace + "/" + id.Name + "/"
}

func (id Identifier) metadataKey() string {
	return id.root() + metadataFile
}

func (id Identifier) manifestKey(snapshotID int64) string {
	return fmt.Sprintf("%s%s/%d%s", id.root(), manifestsDir, snapshotID, manifestExtension)
}

// FileContent classifies a file referenced by a manifest.
type FileContent int32

const (
	ContentData FileContent = iota
	ContentPositionDeletes
	ContentEqualityDeletes
)

func (c FileContent) String() string {
	switch c {
	case ContentData:
		return "data"
	case ContentPositionDeletes:
		return "position_deletes"
	case ContentEqualityDeletes:
		return "equality_deletes"
	default:
		return fmt.Sprintf("content(%d)", int32(c))
	}
}

// DataFile describes a data file produced by a writer.
type DataFile struct {
	Path          string            `json:"path"`
	Format        string            `json:"format"`
	Partition     map[string]string `json:"partition,omitempty"`
	RecordCount   int64             `json:"record_count"`
	FileSizeBytes int64             `json:"file_size_bytes"`
}

// DeleteFile describes a position or equality delete file.
type DeleteFile struct {
	Path             string            `json:"path"`
	Format           string            `json:"format"`
	Content          FileContent       `json:"content"`
	Partition        map[string]string `json:"partition,omitempty"`
	RecordCount      int64             `json:"record_count"`
	FileSizeBytes    int64             `json:"file_size_bytes"`
	EqualityFieldIDs []int32           `json:"equality_field_ids,omitempty"`
}

// Snapshot is one committed version of a table.
type Snapshot struct {
	ID             int64             `json:"snapshot-id"`
	ParentID       *int64            `json:"parent-snapshot-id,omitempty"`
	SequenceNumber int64             `json:"sequence-number"`
	TimestampMs    int64             `json:"timestamp-ms"`
	Operation      string            `json:"operation"`
	Summary        map[string]string `json:"summary"`
	ManifestKey    string            `json:"manifest"`
}

// Metadata is the document stored at tables/<namespace>/<name>/metadata.json.
type Metadata struct {
	FormatVersion      int               `json:"format-version"`
	TableUUID          string            `json:"table-uuid"`
	Location           string            `json:"location"`
	LastSequenceNumber int64             `json:"last-sequence-number"`
	LastUpdatedMs      int64             `json:"last-updated-ms"`
	CurrentSnapshotID  *int64            `json:"current-snapshot-id,omitempty"`
	Snapshots          []Snapshot        `json:"snapshots"`
	Properties         map[string]string `json:"properties,omitempty"`
}

func (m *Metadata) snapshot(id int64) *Snapshot {
	for i := range m.Snapshots {
		if m.Snapshots[i].ID == id {
			return &m.Snapshots[i]
		}
	}
	return nil
}

func (m Metadata) clone() Metadata {
	out := m
	out.Snapshots = append([]Snapshot(nil), m.Snapshots...)
	if m.Properties != nil {
		out.Properties = make(map[string]string, len(m.Properties))
		for k, v := range m.Properties {
			out.Properties[k] = v
		}
	}
	if m.CurrentSnapshotID != nil {
		id := *m.CurrentSnapshotID
		out.CurrentSnapshotID = &id
	}
	return out
}
