// Package store persists registration runs: a checkpoint with the best
// parameters and the spec that produced them, plus an optional JSONL trace
// of per-iteration progress.
package store

// Store persists run checkpoints. Implementations must be safe for
// concurrent use.
//
// Load and Delete return a *NotFoundError, matched by errors.Is(err,
// ErrNotFound), for unknown runs. Other failures are wrapped with
// fmt.Errorf("...: %w", err).
type Store interface {
	// SaveCheckpoint writes the checkpoint of runID, replacing any earlier
	// one. Writes are atomic: readers see the old or the new file, never a
	// partial one.
	SaveCheckpoint(runID string, checkpoint *Checkpoint) error

	LoadCheckpoint(runID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata of every readable checkpoint.
	// Unreadable ones are skipped and logged.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the run directory, including its trace.
	DeleteCheckpoint(runID string) error
}

// ErrNotFound matches every *NotFoundError.
var ErrNotFound = &NotFoundError{}

// NotFoundError reports a run without a checkpoint or trace.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
