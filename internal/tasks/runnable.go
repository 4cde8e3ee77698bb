package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backplane/internal/observability/metrics"
)

const (
	MaxLogsPerTask = 1000
	runTimeout     = 5 * time.Minute
)

type RunnableTask struct {
	Name     string
	Interval time.Duration
	Handler  TaskFunc

	base         *slog.Logger
	registeredAt time.Time

	mu         sync.RWMutex
	running    bool
	lastRun    time.Time
	lastResult string
	logs       []LogEntry
}

// Run executes the task unless a previous run is still in progress. It
// reports whether the handler ran and its error.
func (t *RunnableTask) Run(ctx context.Context) (bool, error) {
	l := t.base.With("task", t.Name)

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		l.Warn("task is already running, skipping execution")
		metrics.TaskRunsTotal.WithLabelValues(t.Name, "skipped").Inc()
		return false, nil
	}
	t.running = true
	t.logs = make([]LogEntry, 0)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.lastRun = time.Now()
		t.mu.Unlock()
	}()

	taskLogger := slog.New(&captureHandler{next: l.Handler(), task: t})
	taskLogger.Info("starting task execution")

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	start := time.Now()
	err := t.call(ctx, taskLogger)
	duration := time.Since(start)

	t.mu.Lock()
	if err != nil {
		t.lastResult = fmt.Sprintf("failed: %v", err)
	} else {
		t.lastResult = "success"
	}
	t.mu.Unlock()

	if err != nil {
		metrics.TaskRunsTotal.WithLabelValues(t.Name, "failure").Inc()
		taskLogger.Error("task failed", "duration", duration, "error", err)
	} else {
		metrics.TaskRunsTotal.WithLabelValues(t.Name, "success").Inc()
		taskLogger.Info("task completed", "duration", duration)
	}
	return true, err
}

// call runs the handler, turning a panic into an error.
func (t *RunnableTask) call(ctx context.Context, l *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Handler(ctx, l)
}

func (t *RunnableTask) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var next time.Time
	if t.Interval > 0 {
		if !t.lastRun.IsZero() {
			next = t.lastRun.Add(t.Interval)
		} else {
			next = t.registeredAt.Add(t.Interval)
		}
	}
	return TaskStatus{
		Name:       t.Name,
		Running:    t.running,
		LastRun:    t.lastRun,
		LastResult: t.lastResult,
		NextRun:    next,
	}
}

func (t *RunnableTask) Logs() []LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cpy := make([]LogEntry, len(t.logs))
	copy(cpy, t.logs)
	return cpy
}

func (t *RunnableTask) appendLog(at time.Time, level, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logs = append(t.logs, LogEntry{Time: at, Level: level, Message: msg})
	if len(t.logs) > MaxLogsPerTask {
		t.logs = t.logs[1:]
	}
}
