package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/types"
)

// FileProvider stores the state as an indented JSON document on local disk.
type FileProvider struct {
	path string
}

// configuredFile sets up the file provider.
func configuredFile() *FileProvider {
	path := lflag.String("state-file", "nordpool_data.json", "Path of the JSON file holding the persisted state")

	f := &FileProvider{}

	lflag.Do(func() {
		f.path = *path
	})

	return f
}

// NewFileProvider returns a FileProvider reading and writing path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.path == "" {
		return fmt.Errorf("state-file is required")
	}
	return nil
}

// GetState reads the state file.
func (f *FileProvider) GetState(ctx context.Context) (types.PersistedState, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.PersistedState{}, ErrStateNotFound
		}
		return types.PersistedState{}, fmt.Errorf("failed to read state file (%s): %w", f.path, err)
	}

	var state types.PersistedState
	if err := json.Unmarshal(b, &state); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal state file", slog.String("path", f.path), slog.Any("error", err))
		return types.PersistedState{}, fmt.Errorf("%w: %s: %v", ErrMalformedState, f.path, err)
	}
	return state, nil
}

// SetState writes the state to a temporary file next to the target and
// renames it over the target so a crash never leaves a half written file.
func (f *FileProvider) SetState(ctx context.Context, state types.PersistedState) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace state file (%s): %w", f.path, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "saved state file", slog.String("path", f.path), slog.Int("bytes", len(b)))
	return nil
}

// Close implements Database. There is nothing to release.
func (f *FileProvider) Close() error {
	return nil
}
