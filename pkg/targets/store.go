package targets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/fileutil"
	"github.com/progresso/progresso/pkg/telemetry"
)

// DefaultWatchDebounce collapses the burst of events an editor produces on save.
const DefaultWatchDebounce = 500 * time.Millisecond

// Store loads and saves the target list.
type Store struct {
	// Path is an explicit target list path. When set, no search is performed.
	Path string

	// SearchPaths are tried in order when Path is empty.
	SearchPaths []string

	// WatchDebounce is the quiet period before Watch reacts to a change.
	WatchDebounce time.Duration

	logger   *telemetry.Logger
	validate *validator.Validate
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSearchPaths replaces the default search locations.
func WithSearchPaths(paths []string) StoreOption {
	return func(s *Store) {
		if len(paths) > 0 {
			s.SearchPaths = paths
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l.NewComponentLogger("targets")
		}
	}
}

// NewStore creates a store. An empty path means the default search locations are used.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		Path:          path,
		SearchPaths:   DefaultSearchPaths(),
		WatchDebounce: DefaultWatchDebounce,
		logger:        telemetry.NopLogger(),
		validate:      validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Locate returns the target list path that Load would read.
func (s *Store) Locate() (string, error) {
	if s.Path != "" {
		if _, err := os.Stat(s.Path); err != nil {
			return "", engine.NewConfigNotFoundError(fmt.Sprintf("target list %s not found", s.Path), err).
				WithResource(s.Path)
		}
		return s.Path, nil
	}
	for _, candidate := range s.SearchPaths {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", engine.NewConfigNotFoundError(
		fmt.Sprintf("no target list found (searched: %s)", strings.Join(s.SearchPaths, ", ")), nil)
}

// Load locates, reads and validates the target list.
func (s *Store) Load(ctx context.Context) (*engine.TargetList, error) {
	path, err := s.Locate()
	if err != nil {
		return nil, err
	}
	return s.LoadFile(ctx, path)
}

// LoadFile reads and validates the target list at path.
func (s *Store) LoadFile(ctx context.Context, path string) (*engine.TargetList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.NewConfigNotFoundError(fmt.Sprintf("target list %s not found", path), err).WithResource(path)
		}
		return nil, engine.NewConfigMalformedError("failed to read target list", err).WithResource(path)
	}

	list, err := s.Parse(data, FormatFromPath(path))
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			ee.WithResource(path)
		}
		return nil, err
	}
	list.Source = path

	s.logger.WithFields(map[string]interface{}{
		"path":    path,
		"entries": list.Len(),
	}).Debug("Target list loaded")
	return list, nil
}

// Parse decodes and validates a target list document.
func (s *Store) Parse(data []byte, format Format) (*engine.TargetList, error) {
	records, err := decode(data, format)
	if err != nil {
		return nil, engine.NewConfigMalformedError(fmt.Sprintf("failed to parse %s target list", format), err)
	}

	seen := make(map[string]int, len(records))
	list := &engine.TargetList{Entries: make([]engine.TargetEntry, 0, len(records))}
	for i, rec := range records {
		if err := s.validate.Struct(rec); err != nil {
			return nil, engine.NewConfigMalformedError(fmt.Sprintf("invalid entry at position %d", i), err).
				WithDetail("position", i)
		}
		entry := rec.toEntry()
		if entry.Name != "" {
			key := strings.ToLower(entry.Name)
			if first, dup := seen[key]; dup {
				return nil, engine.NewConfigMalformedError(
					fmt.Sprintf("duplicate service %q at positions %d and %d", entry.Name, first, i), nil).
					WithDetail("position", i)
			}
			seen[key] = i
		}
		list.Entries = append(list.Entries, entry)
	}
	return list, nil
}

// Save replaces the file at path with list in one step.
// The format is chosen from the extension of path.
func (s *Store) Save(ctx context.Context, path string, list *engine.TargetList) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records := make([]serviceRecord, 0, list.Len())
	if list != nil {
		for _, e := range list.Entries {
			records = append(records, recordFromEntry(e))
		}
	}

	data, err := encode(records, FormatFromPath(path))
	if err != nil {
		return engine.NewSerializationError("failed to encode target list", err).WithResource(path)
	}
	if err := fileutil.WriteFile(path, data, 0o644); err != nil {
		return engine.NewIOError("failed to write target list", err).WithResource(path)
	}

	s.logger.WithFields(map[string]interface{}{
		"path":    path,
		"entries": len(records),
	}).Info("Target list saved")
	return nil
}

// Warning is a non-fatal problem in a loaded target list.
type Warning struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Message  string `json:"message"`
}

// Warnings lists the entries the sequencer will skip or cannot interpret.
func Warnings(list *engine.TargetList) []Warning {
	var out []Warning
	if list == nil {
		return out
	}
	for i, e := range list.Entries {
		add := func(msg string) {
			out = append(out, Warning{Position: i, Name: e.Name, Message: msg})
		}
		switch {
		case e.Name == "":
			add("empty service name, entry will be skipped")
		case e.EndMode == "":
			add("no end mode configured, entry will be skipped")
		case !e.EndMode.IsKnown():
			add(fmt.Sprintf("unrecognized end mode %q, entry will be skipped", e.EndMode))
		}
		if e.StartMode != "" && !e.StartMode.IsKnown() {
			add(fmt.Sprintf("unrecognized start mode %q", e.StartMode))
		}
	}
	return out
}
