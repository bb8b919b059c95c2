package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	runsDirName        = "runs"
	checkpointFileName = "checkpoint.json"
	traceFileName      = "trace.jsonl"
)

// FSStore keeps one directory per run under <baseDir>/runs/<runID>/.
// Checkpoints are written to a uniquely named temp file and renamed into
// place, so concurrent saves need no locking.
type FSStore struct {
	baseDir string
}

// NewFSStore creates baseDir if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir is the root directory of the store.
func (s *FSStore) BaseDir() string { return s.baseDir }

// RunDir returns the directory of runID.
func (s *FSStore) RunDir(runID string) string {
	return runDir(s.baseDir, runID)
}

func runDir(baseDir, runID string) string {
	return filepath.Join(baseDir, runsDirName, runID)
}

func (s *FSStore) checkpointPath(runID string) string {
	return filepath.Join(s.RunDir(runID), checkpointFileName)
}

// validRunID rejects IDs that would escape the runs directory.
func validRunID(runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	if runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid runID %q", runID)
	}
	return nil
}

func (s *FSStore) SaveCheckpoint(runID string, checkpoint *Checkpoint) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	if err := os.MkdirAll(s.RunDir(runID), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	final := s.checkpointPath(runID)
	tmp, err := os.CreateTemp(s.RunDir(runID), checkpointFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp checkpoint file: %w", errors.Join(werr, cerr))
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint saved", "runID", runID, "path", final)
	return nil
}

func (s *FSStore) LoadCheckpoint(runID string) (*Checkpoint, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}

	path := s.checkpointPath(runID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{RunID: runID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}

	slog.Debug("Checkpoint loaded", "runID", runID, "path", path)
	return &checkpoint, nil
}

// ListCheckpoints returns the checkpoints sorted by timestamp, newest
// first.
func (s *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, runsDirName))
	if errors.Is(err, fs.ErrNotExist) {
		return []CheckpointInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		if _, err := os.Stat(s.checkpointPath(runID)); err != nil {
			continue
		}
		checkpoint, err := s.LoadCheckpoint(runID)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "runID", runID, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})

	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

func (s *FSStore) DeleteCheckpoint(runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}

	dir := s.RunDir(runID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{RunID: runID}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "runID", runID, "path", dir)
	return nil
}
