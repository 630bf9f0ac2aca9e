// Package scheduler executes named tasks on a fixed worker pool with
// one-shot, periodic, and immediate scheduling, bounded retries, timeouts,
// and cooperative cancellation.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

// TaskFunc is the unit of schedulable work. Implementations must honor ctx
// cancellation at their yield points.
type TaskFunc func(ctx context.Context) (interface{}, error)

// ExecutionStatus is the lifecycle state of one task execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// Execution records one attempt chain of a task.
type Execution struct {
	ID           string          `json:"id"`
	TaskName     string          `json:"task_name"`
	Status       ExecutionStatus `json:"status"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Result       interface{}     `json:"result,omitempty"`
}

type taskDef struct {
	name       string
	fn         TaskFunc
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
}

// ScheduledTask is a deferred or recurring trigger for a registered task.
type ScheduledTask struct {
	ID       string        `json:"id"`
	TaskName string        `json:"task_name"`
	Interval time.Duration `json:"interval"` // zero for one-shot
	Jitter   time.Duration `json:"jitter"`
	Enabled  bool          `json:"enabled"`
	NextRun  time.Time     `json:"next_run"`
	fired    bool
}

// Config sizes the scheduler.
type Config struct {
	Workers      int
	QueueDepth   int
	TickInterval time.Duration
}

// Scheduler owns task definitions, scheduled triggers, and executions.
type Scheduler struct {
	mu         sync.Mutex
	defs       map[string]*taskDef
	scheduled  map[string]*ScheduledTask
	executions map[string]*Execution

	queue   chan string // execution ids
	workers int
	tick    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rng *rand.Rand
	log *logrus.Entry
	now func() time.Time

	onOutcome func(taskName string, status ExecutionStatus)
}

// New creates a stopped scheduler; call Start before scheduling work.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Scheduler{
		defs:       make(map[string]*taskDef),
		scheduled:  make(map[string]*ScheduledTask),
		executions: make(map[string]*Execution),
		queue:      make(chan string, cfg.QueueDepth),
		workers:    cfg.Workers,
		tick:       cfg.TickInterval,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		log:        logger.WithComponent("scheduler"),
		now:        time.Now,
	}
}

// SetOutcomeHook installs a callback invoked on terminal execution states,
// used for metrics.
func (s *Scheduler) SetOutcomeHook(fn func(taskName string, status ExecutionStatus)) {
	s.onOutcome = fn
}

// Register adds or replaces a task definition.
func (s *Scheduler) Register(name string, fn TaskFunc, maxRetries int, retryDelay, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[name] = &taskDef{
		name:       name,
		fn:         fn,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		timeout:    timeout,
	}
	s.log.WithFields(logrus.Fields{
		"task":        name,
		"max_retries": maxRetries,
		"timeout":     timeout,
	}).Debug("Task registered")
}

// Start launches the worker pool and the scheduling tick loop.
func (s *Scheduler) Start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)

	for w := 0; w < s.workers; w++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.tickLoop()

	s.log.WithFields(logrus.Fields{
		"workers":     s.workers,
		"queue_depth": cap(s.queue),
		"tick":        s.tick,
	}).Info("Scheduler started")
}

// Shutdown stops the tick loop, cancels running work, and waits for workers.
func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	// Pending executions never ran.
	s.mu.Lock()
	for _, exec := range s.executions {
		if exec.Status == StatusPending {
			exec.Status = StatusCancelled
		}
	}
	s.mu.Unlock()

	s.log.Info("Scheduler stopped")
}

// RunNow enqueues an immediate execution of a registered task.
func (s *Scheduler) RunNow(name string) (string, error) {
	s.mu.Lock()
	if _, ok := s.defs[name]; !ok {
		s.mu.Unlock()
		return "", apperrors.E(apperrors.KindNotFound, "task %q not registered", name)
	}
	exec := s.newExecutionLocked(name)
	s.mu.Unlock()

	if err := s.enqueue(exec.ID); err != nil {
		s.mu.Lock()
		exec.Status = StatusFailed
		exec.ErrorMessage = err.Error()
		exec.ErrorKind = string(apperrors.KindOf(err))
		s.mu.Unlock()
		return "", err
	}
	return exec.ID, nil
}

// ScheduleOnce runs the task once after delay. Returns the scheduled-task id.
func (s *Scheduler) ScheduleOnce(name string, delay time.Duration) (string, error) {
	return s.schedule(name, delay, 0, 0)
}

// SchedulePeriodic runs the task every interval ± jitter after an initial delay.
func (s *Scheduler) SchedulePeriodic(name string, delay, interval, jitter time.Duration) (string, error) {
	if interval <= 0 {
		return "", apperrors.E(apperrors.KindInvalidInput, "periodic interval must be positive")
	}
	return s.schedule(name, delay, interval, jitter)
}

func (s *Scheduler) schedule(name string, delay, interval, jitter time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; !ok {
		return "", apperrors.E(apperrors.KindNotFound, "task %q not registered", name)
	}

	st := &ScheduledTask{
		ID:       uuid.New().String(),
		TaskName: name,
		Interval: interval,
		Jitter:   jitter,
		Enabled:  true,
		NextRun:  s.now().Add(delay),
	}
	s.scheduled[st.ID] = st
	return st.ID, nil
}

// SetEnabled disables or re-enables a scheduled task without deleting it.
func (s *Scheduler) SetEnabled(scheduledID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scheduled[scheduledID]
	if !ok {
		return apperrors.E(apperrors.KindNotFound, "scheduled task %q not found", scheduledID)
	}
	st.Enabled = enabled
	return nil
}

// GetExecution returns a copy of an execution record.
func (s *Scheduler) GetExecution(id string) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return Execution{}, apperrors.E(apperrors.KindNotFound, "execution %q not found", id)
	}
	return *exec, nil
}

// QueueDepth returns the number of executions waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

func (s *Scheduler) newExecutionLocked(name string) *Execution {
	exec := &Execution{
		ID:          uuid.New().String(),
		TaskName:    name,
		Status:      StatusPending,
		ScheduledAt: s.now(),
	}
	s.executions[exec.ID] = exec
	return exec
}

func (s *Scheduler) enqueue(execID string) error {
	select {
	case s.queue <- execID:
		return nil
	default:
		return apperrors.E(apperrors.KindQueueFull, "scheduler queue is full (depth %d)", cap(s.queue))
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fireDue()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) fireDue() {
	now := s.now()

	s.mu.Lock()
	var toRun []*Execution
	for id, st := range s.scheduled {
		if !st.Enabled || now.Before(st.NextRun) {
			continue
		}

		if st.Interval == 0 {
			if st.fired {
				continue
			}
			st.fired = true
			delete(s.scheduled, id)
		} else {
			// Single-flight per task name: skip the tick when a prior
			// execution is still queued or running.
			if s.inFlightLocked(st.TaskName) {
				st.NextRun = s.nextRunFor(st, now)
				s.log.WithField("task", st.TaskName).Debug("Periodic tick skipped, prior execution in flight")
				continue
			}
			st.NextRun = s.nextRunFor(st, now)
		}

		toRun = append(toRun, s.newExecutionLocked(st.TaskName))
	}
	s.mu.Unlock()

	for _, exec := range toRun {
		if err := s.enqueue(exec.ID); err != nil {
			s.mu.Lock()
			exec.Status = StatusFailed
			exec.ErrorMessage = err.Error()
			exec.ErrorKind = string(apperrors.KindQueueFull)
			s.mu.Unlock()
			s.log.WithError(err).WithField("task", exec.TaskName).Warn("Dropped scheduled execution")
		}
	}
}

func (s *Scheduler) nextRunFor(st *ScheduledTask, now time.Time) time.Time {
	interval := st.Interval
	if st.Jitter > 0 {
		offset := time.Duration(s.rng.Int63n(int64(2*st.Jitter))) - st.Jitter
		interval += offset
	}
	if interval < s.tick {
		interval = s.tick
	}
	return now.Add(interval)
}

func (s *Scheduler) inFlightLocked(name string) bool {
	for _, exec := range s.executions {
		if exec.TaskName == name && (exec.Status == StatusPending || exec.Status == StatusRunning) {
			return true
		}
	}
	return false
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case execID := <-s.queue:
			s.runExecution(execID)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runExecution(execID string) {
	s.mu.Lock()
	exec, ok := s.executions[execID]
	if !ok {
		s.mu.Unlock()
		return
	}
	def, ok := s.defs[exec.TaskName]
	if !ok {
		exec.Status = StatusFailed
		exec.ErrorMessage = fmt.Sprintf("task %q no longer registered", exec.TaskName)
		exec.ErrorKind = string(apperrors.KindNotFound)
		s.mu.Unlock()
		return
	}
	started := s.now()
	exec.Status = StatusRunning
	exec.StartedAt = &started
	s.mu.Unlock()

	runCtx := s.ctx
	var cancel context.CancelFunc
	if def.timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, def.timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	defer cancel()

	result, err := def.fn(runCtx)
	completed := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	exec.CompletedAt = &completed

	if err == nil {
		exec.Status = StatusCompleted
		exec.Result = result
		s.notifyOutcome(exec)
		return
	}

	kind := classify(runCtx, err)
	exec.ErrorMessage = err.Error()
	exec.ErrorKind = string(kind)

	switch kind {
	case apperrors.KindCancelled:
		exec.Status = StatusCancelled
		s.notifyOutcome(exec)
		return
	case apperrors.KindTimeout:
		exec.Status = StatusFailed
		s.notifyOutcome(exec)
		return
	}

	if exec.RetryCount < def.maxRetries && !noRetry(kind) {
		exec.RetryCount++
		exec.Status = StatusPending
		s.log.WithFields(logrus.Fields{
			"task":         exec.TaskName,
			"execution_id": exec.ID,
			"retry":        exec.RetryCount,
		}).Debug("Execution failed, scheduling retry")
		go s.requeueAfter(execID, def.retryDelay)
		return
	}

	exec.Status = StatusFailed
	s.notifyOutcome(exec)
	s.log.WithFields(logrus.Fields{
		"task":         exec.TaskName,
		"execution_id": exec.ID,
		"retries":      exec.RetryCount,
		"error_kind":   exec.ErrorKind,
	}).Error("Execution failed permanently")
}

func (s *Scheduler) requeueAfter(execID string, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
		s.mu.Lock()
		if exec, ok := s.executions[execID]; ok && exec.Status == StatusPending {
			exec.Status = StatusCancelled
		}
		s.mu.Unlock()
		return
	}

	if err := s.enqueue(execID); err != nil {
		s.mu.Lock()
		if exec, ok := s.executions[execID]; ok {
			exec.Status = StatusFailed
			exec.ErrorMessage = err.Error()
			exec.ErrorKind = string(apperrors.KindQueueFull)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) notifyOutcome(exec *Execution) {
	if s.onOutcome != nil {
		s.onOutcome(exec.TaskName, exec.Status)
	}
}

// classify maps task errors to kinds, distinguishing deadline expiry from
// scheduler shutdown.
func classify(runCtx context.Context, err error) apperrors.Kind {
	kind := apperrors.KindOf(err)
	if kind != apperrors.KindInternal {
		return kind
	}
	switch runCtx.Err() {
	case context.DeadlineExceeded:
		return apperrors.KindTimeout
	case context.Canceled:
		return apperrors.KindCancelled
	}
	return kind
}

// noRetry lists error kinds that are never retried.
func noRetry(kind apperrors.Kind) bool {
	switch kind {
	case apperrors.KindInvalidInput, apperrors.KindInvalidOdds, apperrors.KindInvalidProbability,
		apperrors.KindInsufficientData, apperrors.KindConflict:
		return true
	}
	return false
}
