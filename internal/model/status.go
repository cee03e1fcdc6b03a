package model

import "fmt"

type TaskStatus string

const (
	TaskStatusNew        TaskStatus = "NEW"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusClosed     TaskStatus = "CLOSED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusClosed:    true,
	TaskStatusCancelled: true,
}

// Task lifecycle: NEW → IN_PROGRESS → terminal. No reopening.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusNew: {
		TaskStatusInProgress: true,
		TaskStatusCancelled:  true,
	},
	TaskStatusInProgress: {
		TaskStatusClosed:    true,
		TaskStatusCancelled: true,
	},
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsKnownTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusNew, TaskStatusInProgress, TaskStatusClosed, TaskStatusCancelled:
		return true
	}
	return false
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
