// Package store provides durable, crash-safe persistence for job metadata.
//
// Each job owns one directory under the outputs root containing a single
// metadata.json document plus zero or more output artifact files. A
// separate uploads root holds one transient directory per job with the
// original file, removed after processing.
//
// The only consistency primitive is the atomic rename: writers serialize
// the document to a temporary file in the job's directory and replace the
// canonical path in a single rename, so a reader always observes either
// the previous or the new valid document, never a partial one.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// Config holds settings for the local store.
type Config struct {
	// DataDir is the root directory for all job state.
	// Uploads live under {DataDir}/uploads, outputs under {DataDir}/outputs.
	DataDir string
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return NewInvalidInputError("data_dir", "must not be empty")
	}
	return nil
}

// Store is the persistence contract for job records.
//
// Thread-safety: all methods must be safe for concurrent use. Put must be
// atomic with respect to concurrent Get calls.
type Store interface {
	// Init prepares the on-disk directory structure.
	Init(ctx context.Context) error

	// Put durably persists record as the current document for jobID.
	Put(ctx context.Context, jobID string, record *JobRecord) error

	// Get returns the current record for jobID, or (nil, nil) when no
	// readable document exists. Corrupt documents are treated as absent.
	Get(ctx context.Context, jobID string) (*JobRecord, error)

	// Exists reports whether the job's output directory is present.
	Exists(jobID string) bool

	// OutputDir returns the job's output directory path.
	OutputDir(jobID string) string

	// UploadDir returns the job's transient upload directory path.
	UploadDir(jobID string) string

	// Close releases resources held by the store.
	Close() error
}

// LocalStore implements Store using one directory per job.
//
// Storage layout:
//
//	{dataDir}/
//	  uploads/
//	    {job-id}/
//	      {original-file}
//	  outputs/
//	    {job-id}/
//	      metadata.json
//	      {stem}_part1.mp4
//	      ...
type LocalStore struct {
	cfg    Config
	mu     sync.RWMutex
	closed bool
}

// NewLocalStore creates a file-backed store rooted at cfg.DataDir.
func NewLocalStore(cfg Config) (*LocalStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &LocalStore{cfg: cfg}, nil
}

// Init creates the uploads and outputs roots.
func (s *LocalStore) Init(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	for _, dir := range []string{s.uploadsRoot(), s.outputsRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Close marks the store closed. Calling Close twice is not an error.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// OutputDir returns the job's output directory path.
func (s *LocalStore) OutputDir(jobID string) string {
	return filepath.Join(s.outputsRoot(), jobID)
}

// UploadDir returns the job's transient upload directory path.
func (s *LocalStore) UploadDir(jobID string) string {
	return filepath.Join(s.uploadsRoot(), jobID)
}

// Exists reports whether the job's output directory is present.
func (s *LocalStore) Exists(jobID string) bool {
	info, err := os.Stat(s.OutputDir(jobID))
	return err == nil && info.IsDir()
}

// Put persists record as the current document for jobID.
//
// The record is written to metadata.json.tmp inside the job's directory
// and renamed onto metadata.json in one atomic step. A per-document flock
// serializes concurrent writers so read-modify-rewrite cycles (terminal
// write vs. self-heal) cannot interleave.
func (s *LocalStore) Put(ctx context.Context, jobID string, record *JobRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if jobID == "" {
		return NewInvalidInputError("job_id", "must not be empty")
	}
	if record == nil {
		return NewInvalidInputError("record", "must not be nil")
	}

	jobDir := s.OutputDir(jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	metadataPath := filepath.Join(jobDir, MetadataFilename)
	lock := flock.New(metadataPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tmpPath := metadataPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmpPath, metadataPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	return nil
}

// Get returns the current record for jobID.
//
// A missing document is not an error: Get returns (nil, nil). A document
// that cannot be parsed is logged and likewise treated as absent, never
// propagated to callers.
func (s *LocalStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	metadataPath := filepath.Join(s.OutputDir(jobID), MetadataFilename)
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, nil
	}

	lock := flock.New(metadataPath + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(metadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		log.Warn().
			Str("component", "store").
			Str("job_id", jobID).
			Err(err).
			Msg("Failed to parse metadata, treating record as absent")
		return nil, nil
	}
	return &record, nil
}

func (s *LocalStore) uploadsRoot() string {
	return filepath.Join(s.cfg.DataDir, "uploads")
}

func (s *LocalStore) outputsRoot() string {
	return filepath.Join(s.cfg.DataDir, "outputs")
}
