package domain

import (
	"fmt"
	"time"
)

// SubtaskStatus is the lifecycle state of one WorkItem in the status store.
type SubtaskStatus string

// Subtask lifecycle statuses. The string values are shared with the
// external status store and the task-management handlers.
const (
	SubtaskStatusCreated    SubtaskStatus = "Created"
	SubtaskStatusInProgress SubtaskStatus = "In-progress"
	SubtaskStatusCompleted  SubtaskStatus = "Completed"
	SubtaskStatusFailed     SubtaskStatus = "Failed"
	SubtaskStatusStopped    SubtaskStatus = "Stopped"
)

// UpdateTimeLayout is the layout of SubtaskState.UpdateTime in the store.
const UpdateTimeLayout = "2006-01-02 15:04:05.000000"

// ParseSubtaskStatus converts a stored string into a SubtaskStatus.
func ParseSubtaskStatus(s string) (SubtaskStatus, error) {
	switch st := SubtaskStatus(s); st {
	case SubtaskStatusCreated, SubtaskStatusInProgress, SubtaskStatusCompleted,
		SubtaskStatusFailed, SubtaskStatusStopped:
		return st, nil
	default:
		return "", ErrValidation("unknown subtask status %q", s)
	}
}

// Terminal reports whether no further transition can leave the status.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusStopped:
		return true
	case SubtaskStatusCreated, SubtaskStatusInProgress:
		return false
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an allowed subtask transition.
func CanTransition(from, to SubtaskStatus) bool {
	switch from {
	case SubtaskStatusCreated:
		return to == SubtaskStatusInProgress || to == SubtaskStatusStopped || to == SubtaskStatusFailed
	case SubtaskStatusInProgress:
		return to == SubtaskStatusCompleted || to == SubtaskStatusStopped || to == SubtaskStatusFailed
	case SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusStopped:
		return false
	default:
		return false
	}
}

// SubtaskKey identifies one subtask record.
type SubtaskKey struct {
	TaskID    string
	ObjectKey string
}

func (k SubtaskKey) String() string {
	return fmt.Sprintf("%s/%s", k.TaskID, k.ObjectKey)
}

// SubtaskState is the persisted status record of one WorkItem.
type SubtaskState struct {
	SubtaskKey
	Status       SubtaskStatus
	TotalCount   int64
	ErrorCount   int64
	WarningCount int64
	UpdateTime   time.Time
}

// SubtaskCounts carries the counters written with a transition.
type SubtaskCounts struct {
	TotalCount   int64
	ErrorCount   int64
	WarningCount int64
}

// Transition is a guarded status update: it only commits when the stored
// status still equals From. Counts are written only when To is terminal.
type Transition struct {
	Key    SubtaskKey
	From   SubtaskStatus
	To     SubtaskStatus
	Counts SubtaskCounts
	At     time.Time
}

// Validate checks the transition against the allowed status graph.
func (t *Transition) Validate() error {
	if t.Key.TaskID == "" || t.Key.ObjectKey == "" {
		return ErrValidation("subtask key requires task_id and object_key")
	}
	if !CanTransition(t.From, t.To) {
		return ErrValidation("illegal subtask transition %s -> %s", t.From, t.To)
	}
	return nil
}
