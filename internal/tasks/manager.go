package tasks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager runs named tasks on fixed intervals once started, and on demand.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*RunnableTask
	started bool
	ctx     context.Context
	wg      sync.WaitGroup
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, tasks: make(map[string]*RunnableTask)}
}

// Register adds a task. An interval of zero makes it trigger-only. Tasks
// registered after Start are scheduled immediately.
func (m *Manager) Register(name string, interval time.Duration, fn TaskFunc) {
	task := &RunnableTask{
		Name:         name,
		Interval:     interval,
		Handler:      fn,
		base:         m.logger,
		registeredAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = task
	if m.started && interval > 0 {
		m.schedule(task)
	}
}

// Start schedules every interval task until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.ctx = ctx
	for _, task := range m.tasks {
		if task.Interval > 0 {
			m.schedule(task)
		}
	}
}

// Wait blocks until every scheduler goroutine and triggered run has returned.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) schedule(task *RunnableTask) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(task.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				_, _ = task.Run(m.ctx)
			}
		}
	}()
}

// Trigger starts a run in the background. Once the manager is started the
// run uses its context and Wait waits for it.
func (m *Manager) Trigger(name string) error {
	task, err := m.get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_, _ = task.Run(ctx)
	}()
	return nil
}

// RunNow runs the task synchronously.
func (m *Manager) RunNow(ctx context.Context, name string) (bool, error) {
	task, err := m.get(name)
	if err != nil {
		return false, err
	}
	return task.Run(ctx)
}

func (m *Manager) ListStatus() []TaskStatus {
	m.mu.Lock()
	list := make([]TaskStatus, 0, len(m.tasks))
	for _, task := range m.tasks {
		list = append(list, task.Status())
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

func (m *Manager) GetLogs(name string) ([]LogEntry, error) {
	task, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return task.Logs(), nil
}

func (m *Manager) get(name string) (*RunnableTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[name]
	if !ok {
		return nil, TaskNotFoundError{Name: name}
	}
	return task, nil
}
