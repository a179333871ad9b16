package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCatalogWritesMetadata(t *testing.T) {
	dir := t.TempDir()
	cat := NewCatalog(dir, "s3://bucket/ticks", "ticks")
	ts := time.Unix(1718000000, 0)
	for i := 0; i < 2; i++ {
		df := DataFile{
			Path:        "s3://bucket/ticks/segment=NSE_FO/instrument=NSE_FO_45450/date=2024-06-10/hour=06/file.parquet",
			FileSize:    100,
			RecordCount: 10,
			Partition:   map[string]string{"segment": "NSE_FO", "date": "2024-06-10"},
			Timestamp:   ts,
		}
		if err := cat.AddFile(df); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}

	snaps := cat.Snapshots()
	if len(snaps) != 2 || snaps[0].SnapshotID == snaps[1].SnapshotID {
		t.Fatalf("snapshots = %+v", snaps)
	}

	b, err := os.ReadFile(filepath.Join(dir, "metadata", "metadata.json"))
	if err != nil {
		t.Fatalf("metadata not written: %v", err)
	}
	var tm TableMetadata
	if err := json.Unmarshal(b, &tm); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if tm.CurrentSnapshotID != snaps[1].SnapshotID || tm.Location != "s3://bucket/ticks" {
		t.Fatalf("unexpected metadata %+v", tm)
	}

	catalogDir := filepath.Join(dir, "catalog")
	if err := cat.WriteCatalogEntry(catalogDir); err != nil {
		t.Fatalf("catalog entry: %v", err)
	}
	if _, err := os.Stat(filepath.Join(catalogDir, "ticks.json")); err != nil {
		t.Fatalf("catalog entry not written: %v", err)
	}
}
