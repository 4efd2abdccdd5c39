package passthrough

import (
	"errors"
	"fmt"
	"log/slog"
)

// stages runs fallible construction steps and remembers how to undo each
// completed one. The same undo list serves probe rollback and remove.
type stages struct {
	owner string
	undo  []undoStep
}

type undoStep struct {
	name string
	fn   func() error
}

// run executes do and, if it succeeds, records undo (which may be nil).
func (s *stages) run(name string, do func() error, undo func() error) error {
	if err := do(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.push(name, undo)
	return nil
}

// push records an undo action for a step that already completed.
func (s *stages) push(name string, undo func() error) {
	if undo != nil {
		s.undo = append(s.undo, undoStep{name: name, fn: undo})
	}
}

// rollback runs every recorded undo action, most recent first. All actions
// run; their errors are logged and joined.
func (s *stages) rollback() error {
	var errs []error
	for i := len(s.undo) - 1; i >= 0; i-- {
		step := s.undo[i]
		if err := step.fn(); err != nil {
			slog.Warn("passthrough: undo failed", "instance", s.owner, "step", step.name, "err", err)
			errs = append(errs, fmt.Errorf("undo %s: %w", step.name, err))
		}
	}
	s.undo = nil
	return errors.Join(errs...)
}
