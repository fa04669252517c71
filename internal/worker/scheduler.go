// Package worker runs the long-lived background tasks of the sale backend.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/metrics"
)

// Task is a job run on a fixed interval
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the task once immediately instead of waiting a full interval
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// TaskStatus reports a task's recent runs
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"lastRun"`
	LastError string        `json:"lastError,omitempty"`
}

// Scheduler owns a set of tasks, each on its own ticker goroutine.
// A task never overlaps itself within one scheduler.
type Scheduler struct {
	tasks []Task

	mu      sync.RWMutex
	running bool
	status  map[string]*TaskStatus
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
}

// NewScheduler validates tasks and creates a stopped scheduler
func NewScheduler(tasks ...Task) (*Scheduler, error) {
	status := make(map[string]*TaskStatus, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task name cannot be empty")
		}
		if t.Run == nil {
			return nil, fmt.Errorf("task %s has no run function", t.Name)
		}
		if t.Interval <= 0 {
			return nil, fmt.Errorf("task %s interval must be positive, got %v", t.Name, t.Interval)
		}
		if _, dup := status[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task name %s", t.Name)
		}
		status[t.Name] = &TaskStatus{Name: t.Name, Interval: t.Interval}
	}
	return &Scheduler{tasks: tasks, status: status}, nil
}

// Start launches every task. The tasks run until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	var wg sync.WaitGroup
	for _, task := range s.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(runCtx, task)
		}()
	}
	go func() {
		wg.Wait()
		close(s.doneCh)
	}()

	logging.WithField("tasks", len(s.tasks)).Info("Scheduler started")
	return nil
}

// Stop signals every task and waits for in-flight runs to return
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	close(s.stopCh)
	doneCh, cancel := s.doneCh, s.cancel
	s.mu.Unlock()

	var err error
	select {
	case <-doneCh:
		logging.Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		// cancel in-flight runs
		cancel()
		<-doneCh
		err = ctx.Err()
		logging.Warnf("Scheduler stop timed out: %v", err)
	}
	cancel()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// IsRunning reports whether the scheduler has been started and not stopped
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns a snapshot of every task's status in registration order
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *s.status[t.Name])
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	if task.RunOnStart {
		s.runOnce(ctx, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx, task)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	log := logging.FromContext(ctx).WithField("task", task.Name)
	taskCtx := logging.WithLogger(ctx, log)

	err := safeRun(taskCtx, task.Run)

	s.mu.Lock()
	st := s.status[task.Name]
	st.Runs++
	st.LastRun = time.Now().UTC()
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		metrics.TaskRuns.WithLabelValues(task.Name, "error").Inc()
		log.WithError(err).Error("Task run failed")
		return
	}
	metrics.TaskRuns.WithLabelValues(task.Name, "ok").Inc()
}

func safeRun(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return run(ctx)
}
