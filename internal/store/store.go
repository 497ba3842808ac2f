package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Surveyor/internal/model"

	"github.com/google/uuid"
)

// Artifact names inside a job directory.
const (
	SubfinderFile   = "subfinder.txt"
	AssetfinderFile = "assetfinder.txt"
	TargetsFile     = "targets.txt"
	HttpxFile       = "httpx.jsonl"
	ResultsFile     = "results.json"
	ReportFile      = "results.txt"
	MetadataFile    = "meta.json"
)

// Store lays out one directory per job below a data directory.
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", abs, err)
	}
	return &Store{dir: abs}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// JobDir returns the directory of a job. Only job ids are accepted, so a
// caller supplied id can never point outside of the data directory.
func (s *Store) JobDir(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("job id %q: %w", id, model.ErrNotFound)
	}
	return filepath.Join(s.dir, id), nil
}

// Exists reports whether the job has a directory.
func (s *Store) Exists(id string) bool {
	dir, err := s.JobDir(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Open opens an artifact of a job for reading. Missing artifacts are
// reported as model.ErrNotFound.
func (s *Store) Open(id, name string) (*os.File, error) {
	dir, err := s.JobDir(id)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, notFound(err)
	}
	defer func() {
		_ = root.Close()
	}()
	f, err := root.Open(name)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (s *Store) ReadMetadata(id string) (model.Metadata, error) {
	var meta model.Metadata
	err := s.readJSON(id, MetadataFile, &meta)
	return meta, err
}

func (s *Store) ReadResult(id string) (model.PipelineResult, error) {
	var result model.PipelineResult
	err := s.readJSON(id, ResultsFile, &result)
	return result, err
}

// Remove deletes the job directory with all artifacts. Removing a job
// which has no directory is not an error.
func (s *Store) Remove(id string) error {
	dir, err := s.JobDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing job dir %s: %w", dir, err)
	}
	return nil
}

func (s *Store) readJSON(id, name string, v any) error {
	f, err := s.Open(id, name)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	return err
}
