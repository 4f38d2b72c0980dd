package session

import (
	"fmt"
	"strings"

	"github.com/mpataki/distill/internal/models"
)

// DependencyError refuses a capture or extract whose prerequisite phases
// have not been extracted. Nothing is mutated when it is returned.
type DependencyError struct {
	Phase string
	Unmet []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("phase %q requires %s to be extracted first", e.Phase, strings.Join(e.Unmet, ", "))
}

// StateError refuses an operation the phase has not progressed far enough
// for. Nothing is mutated when it is returned.
type StateError struct {
	Phase  string
	Status models.PhaseStatus
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s phase %q while it is %s", e.Op, e.Phase, e.Status)
}
