package progress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/fileutil"
	"github.com/progresso/progresso/pkg/telemetry"
)

// DefaultPrefix is the artifact file name prefix.
const DefaultPrefix = "progresso"

// timestampLayout is the YYYYMMDD.HHMMSS part of an artifact name.
const timestampLayout = "20060102.150405"

// Writer creates progress artifacts in a directory.
type Writer struct {
	Dir    string
	Prefix string
	Format Format

	logger *telemetry.Logger
}

// NewWriter creates a writer. Empty prefix and format fall back to the defaults.
func NewWriter(dir, prefix string, format Format, logger *telemetry.Logger) *Writer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if format == "" {
		format = FormatXML
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Writer{
		Dir:    dir,
		Prefix: prefix,
		Format: format,
		logger: logger.NewComponentLogger("progress"),
	}
}

// FileName returns the artifact name for a run started at t.
func (w *Writer) FileName(t time.Time) string {
	return fmt.Sprintf("%s.%s.%s", w.Prefix, t.Format(timestampLayout), w.Format.Ext())
}

// Open reserves the artifact for a run started at startedAt.
// The file is created exclusively; an existing artifact is never replaced.
func (w *Writer) Open(startedAt time.Time) (*Artifact, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return nil, engine.NewIOError("failed to create output directory", err).WithResource(w.Dir)
	}

	path := filepath.Join(w.Dir, w.FileName(startedAt))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, engine.NewIOError("progress artifact already exists", err).WithResource(path)
		}
		return nil, engine.NewIOError("failed to create progress artifact", err).WithResource(path)
	}
	if err := f.Close(); err != nil {
		return nil, engine.NewIOError("failed to create progress artifact", err).WithResource(path)
	}

	w.logger.WithField("path", path).Debug("Progress artifact opened")
	return &Artifact{path: path, format: w.Format, logger: w.logger}, nil
}

// Write creates a new artifact for record and fills it. It returns the artifact path.
func (w *Writer) Write(record *engine.ProgressRecord) (string, error) {
	if record == nil {
		return "", engine.NewSerializationError("no progress record", nil)
	}
	a, err := w.Open(record.StartedAt)
	if err != nil {
		return "", err
	}
	if err := a.Update(record); err != nil {
		return a.Path(), err
	}
	return a.Path(), nil
}

// Artifact is one run's progress file.
type Artifact struct {
	path   string
	format Format
	logger *telemetry.Logger

	mu     sync.Mutex
	digest string
	writes int
}

var _ engine.ProgressSink = (*Artifact)(nil)

// Path returns the artifact location.
func (a *Artifact) Path() string { return a.path }

// Format returns the artifact encoding.
func (a *Artifact) Format() Format { return a.format }

// Update replaces the artifact content with record.
func (a *Artifact) Update(record *engine.ProgressRecord) error {
	data, err := Encode(record, a.format)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			ee.WithResource(a.path)
		}
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := fileutil.WriteFile(a.path, data, 0o644); err != nil {
		return engine.NewIOError("failed to write progress artifact", err).WithResource(a.path)
	}
	sum := sha256.Sum256(data)
	a.digest = hex.EncodeToString(sum[:])
	a.writes++

	a.logger.WithFields(map[string]interface{}{
		"path":    a.path,
		"entries": len(record.Entries),
	}).Debug("Progress checkpoint written")
	return nil
}

// Checkpoint implements engine.ProgressSink.
func (a *Artifact) Checkpoint(_ context.Context, record *engine.ProgressRecord) error {
	return a.Update(record)
}

// Digest returns the hex SHA-256 of the last content written, or "" before the first Update.
func (a *Artifact) Digest() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.digest
}

// Writes returns how many times the artifact has been replaced.
func (a *Artifact) Writes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writes
}

// DigestFile returns the hex SHA-256 of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", engine.NewIOError("failed to open artifact", err).WithResource(path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", engine.NewIOError("failed to read artifact", err).WithResource(path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FormatFromPath picks the artifact format from the file extension.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatXML
}

// ReadFile loads and decodes an artifact.
func ReadFile(path string) (*engine.ProgressRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewIOError("failed to read artifact", err).WithResource(path)
	}
	record, err := Decode(data, FormatFromPath(path))
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			ee.WithResource(path)
		}
		return nil, err
	}
	return record, nil
}
