// Package artifact exports a trial's ledger rows as CSV and optionally
// uploads the file to object storage.
package artifact

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dssg/vibrant-routing-public/internal/ledger"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// Config holds export and upload settings.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	LocalDir  string `yaml:"local_dir"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// Uploader stores a local file under an object name.
type Uploader interface {
	Upload(ctx context.Context, objectName, path string) error
}

// WriteCSV writes a header of ledger.Columns followed by one line per
// record.
func WriteCSV(w io.Writer, records []types.AttemptRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ledger.Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(ledger.Strings(rec)); err != nil {
			return fmt.Errorf("failed to write record %s: %w", rec.AttemptKey, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FileName is the export name of a trial.
func FileName(evaluationID uuid.UUID) string {
	return "routing_simulation_" + evaluationID.String() + ".csv"
}

// Exporter writes trial exports into a directory and hands them to an
// optional uploader.
type Exporter struct {
	dir      string
	uploader Uploader
}

// NewExporter returns an exporter writing into dir. uploader may be nil.
func NewExporter(dir string, uploader Uploader) *Exporter {
	if dir == "" {
		dir = "."
	}
	return &Exporter{dir: dir, uploader: uploader}
}

// Export writes the records of one trial and uploads the file when an
// uploader is configured. It returns the local path.
func (e *Exporter) Export(ctx context.Context, evaluationID uuid.UUID, records []types.AttemptRecord) (string, error) {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	path := filepath.Join(e.dir, FileName(evaluationID))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create export: %w", err)
	}
	if err := WriteCSV(f, records); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to rename export: %w", err)
	}
	slog.Info("Trial exported", "evaluationID", evaluationID, "rows", len(records), "path", path)

	if e.uploader == nil {
		return path, nil
	}
	if err := e.uploader.Upload(ctx, filepath.Base(path), path); err != nil {
		return path, err
	}
	return path, nil
}
