package opt

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError is returned synchronously when a run cannot start. The
// optimizer stays out of the running state and no iteration executes.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return "optimizer configuration error"
	}
	return "optimizer configuration error: " + e.Reason
}

// Is matches ErrConfiguration for every ConfigError and otherwise compares
// reasons.
func (e *ConfigError) Is(target error) bool {
	t, ok := target.(*ConfigError)
	return ok && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	// ErrConfiguration matches every configuration error.
	ErrConfiguration = &ConfigError{}

	// ErrAlreadyRunning is returned by Start, Resume and SetConfig while a
	// run is in progress.
	ErrAlreadyRunning = &ConfigError{Reason: "optimization is already running"}

	// ErrNotStarted is returned by Resume before any Start.
	ErrNotStarted = errors.New("optimizer: resume requested before a run was started")
)

func configErrorf(format string, args ...any) error {
	return errors.WithStack(&ConfigError{Reason: fmt.Sprintf(format, args...)})
}

// NumericalError reports a non-fatal numerical problem such as a zero step
// scale or a non-finite derivative. The run continues unless the failure
// budget in Config is exhausted.
type NumericalError struct {
	Iteration int
	Reason    string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("numerical error at iteration %d: %s", e.Iteration, e.Reason)
}
