// Package metadata keeps an Iceberg style manifest of the parquet objects
// the tick archive uploads, so a query engine can locate them without
// listing the bucket.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one uploaded parquet object.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
	Timestamp   time.Time         `json:"-"`
}

type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
	Records     int64  `json:"records"`
}

type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Catalog appends one snapshot per uploaded file and rewrites
// metadata/metadata.json after each append. It is safe for concurrent use.
type Catalog struct {
	mu        sync.Mutex
	basePath  string
	location  string
	tableName string
	tableUUID string
	lastID    int64
	snapshots []Snapshot
}

// NewCatalog returns a catalog writing under basePath for the table stored
// at location, e.g. s3://bucket/ticks.
func NewCatalog(basePath, location, tableName string) *Catalog {
	return &Catalog{
		basePath:  basePath,
		location:  location,
		tableName: tableName,
		tableUUID: uuid.NewString(),
	}
}

// AddFile records df in a new manifest and snapshot.
func (c *Catalog) AddFile(df DataFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// snapshot ids must stay unique when two files share a timestamp
	id := df.Timestamp.UnixNano()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id

	manifestFile := fmt.Sprintf("manifest-%d.json", id)
	manifestPath := filepath.Join(c.basePath, "metadata", manifestFile)
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	b, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	c.snapshots = append(c.snapshots, Snapshot{
		SnapshotID:  id,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
		Records:     df.RecordCount,
	})
	return c.writeTableMetadata()
}

// Snapshots returns a copy of the recorded snapshots.
func (c *Catalog) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.snapshots...)
}

func (c *Catalog) writeTableMetadata() error {
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         c.tableUUID,
		Location:          c.location,
		CurrentSnapshotID: c.snapshots[len(c.snapshots)-1].SnapshotID,
		Snapshots:         c.snapshots,
	}
	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.basePath, "metadata", "metadata.json"), b, 0o644)
}

// WriteCatalogEntry writes <catalogDir>/<table>.json pointing at the table
// metadata.
func (c *Catalog) WriteCatalogEntry(catalogDir string) error {
	entry := map[string]string{
		"name":              c.tableName,
		"metadata_location": filepath.Join(c.basePath, "metadata", "metadata.json"),
	}
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(catalogDir, c.tableName+".json"), b, 0o644)
}
