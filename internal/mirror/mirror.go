// Package mirror exports the local cache to a secondary read-only copy for
// external consumers. Exports are best effort and whole-snapshot.
package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mgalindo/bookhub/internal/entity"
)

// Exporter writes a snapshot of the local data somewhere outside the cache.
type Exporter interface {
	Export(snap Snapshot) error
}

// Snapshot is one full export of the local tables.
type Snapshot struct {
	ExportedAt time.Time               `json:"exported_at"`
	Tables     map[string][]entity.Row `json:"tables"`
}

// FileExporter writes snapshots as a single JSON document, replacing the
// previous export atomically.
type FileExporter struct {
	path string
}

// NewFileExporter creates an exporter targeting the given file path.
func NewFileExporter(path string) *FileExporter {
	return &FileExporter{path: path}
}

// Export writes the snapshot to a temp file and renames it into place so
// readers never observe a partial document.
func (f *FileExporter) Export(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode mirror snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write mirror snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace mirror snapshot: %w", err)
	}
	return nil
}
