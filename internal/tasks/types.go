package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TaskFunc is the unit of work. The logger records into the task's log
// buffer as well as the process logger.
type TaskFunc func(ctx context.Context, logger *slog.Logger) error

type TaskStatus struct {
	Name       string    `json:"name,omitempty"`
	Running    bool      `json:"running,omitempty"`
	LastRun    time.Time `json:"last_run"`
	LastResult string    `json:"last_result,omitempty"`
	NextRun    time.Time `json:"next_run"`
}

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`
}

type TaskNotFoundError struct {
	Name string
}

func (e TaskNotFoundError) Error() string {
	return fmt.Sprintf("task '%s' not found", e.Name)
}
