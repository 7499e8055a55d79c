// Package taskmanager implements the Task Manager (C7): sequential
// task_<n> ID assignment, the active-task table, and the dual batch/SSE
// consumption of one per-task event channel. Bookkeeping shape follows
// pkg/orchestration/orchestrator.go's ProcessRequest (request_id
// generation, metrics/history tracking); the task_<n> ID scheme and
// Accept-header branching are grounded on the donor's routes.py.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/domain"
	"github.com/jobop/agentcoord/internal/executor"
	"github.com/jobop/agentcoord/internal/metrics"
	"github.com/jobop/agentcoord/internal/planner"
)

// Executor is the subset of internal/executor.Executor the manager calls.
type Executor interface {
	Execute(ctx context.Context, taskID, sessionID string, plan *domain.Plan, sink executor.EventSink) []domain.StepRecord
	Fallback(ctx context.Context, taskID, sessionID, description, reason string, sink executor.EventSink) (domain.StepRecord, error)
}

// Compiler is the subset of internal/planner.Compiler the manager calls.
type Compiler interface {
	Compile(ctx context.Context, taskID, description string, taskContext map[string]interface{}, sink domain.EventSink) (*domain.Plan, error)
}

// eventChannel is the per-task event sink: a 64-slot buffered channel plus
// a history slice of every emitted event. Both SSE and batch consumers read
// the same channel: SSE relays it live, WaitBatch drains it until it is
// closed. Emit never blocks; an event that finds the buffer full is dropped
// from the channel and kept only in history.
type eventChannel struct {
	ch   chan domain.Event
	mu   sync.Mutex
	done bool
	history []domain.Event
}

func newEventChannel() *eventChannel {
	return &eventChannel{ch: make(chan domain.Event, 64)}
}

func (c *eventChannel) Emit(ev domain.Event) {
	c.mu.Lock()
	c.history = append(c.history, ev)
	closed := c.done
	c.mu.Unlock()
	if !closed {
		select {
		case c.ch <- ev:
		default:
		}
	}
}

func (c *eventChannel) close() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
	close(c.ch)
}

// Manager tracks every submitted task and drives its plan/execute cycle.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*domain.Task
	events map[string]*eventChannel

	seq uint64

	compiler Compiler
	executor Executor
	logger   core.Logger
	metrics  *metrics.Registry
}

// New builds an empty Manager. metrics may be nil (no-op).
func New(compiler Compiler, executor Executor, logger core.Logger, metricsRegistry *metrics.Registry) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Manager{
		tasks:    make(map[string]*domain.Task),
		events:   make(map[string]*eventChannel),
		compiler: compiler,
		executor: executor,
		logger:   logger,
		metrics:  metricsRegistry,
	}
}

func (m *Manager) nextTaskID() string {
	n := atomic.AddUint64(&m.seq, 1)
	return fmt.Sprintf("task_%d", n)
}

// Submit registers a new task and starts its plan/execute cycle in a
// background goroutine, returning the task_id immediately and an
// Events() handle the caller can drain for streaming or poll after
// completion for batch.
func (m *Manager) Submit(ctx context.Context, description string, taskContext map[string]interface{}) *domain.Task {
	taskID := m.nextTaskID()
	task := &domain.Task{
		ID:          taskID,
		Description: description,
		Context:     taskContext,
		Status:      domain.TaskPending,
		CreatedAt:   time.Now(),
		// Minted once here and reused for every agent_call of this task
		// (§2.2), never re-minted per call.
		SessionID: uuid.NewString(),
	}

	ec := newEventChannel()
	m.mu.Lock()
	m.tasks[taskID] = task
	m.events[taskID] = ec
	m.mu.Unlock()

	m.metrics.TaskSubmitted(ctx)
	go m.run(ctx, task, ec)
	return task
}

func (m *Manager) run(ctx context.Context, task *domain.Task, ec *eventChannel) {
	defer ec.close()
	start := time.Now()

	ec.Emit(domain.Event{Type: domain.EventTaskStarted, TaskID: task.ID, Timestamp: time.Now(),
		Data: map[string]any{"task_id": task.ID, "description": task.Description}})
	m.setStatus(task.ID, domain.TaskPlanning)

	plan, err := m.compiler.Compile(ctx, task.ID, task.Description, task.Context, ec)
	if err != nil {
		m.runFallback(ctx, task, ec, start, err)
		return
	}

	m.setPlan(task.ID, plan)
	m.setStatus(task.ID, domain.TaskExecuting)

	var records []domain.StepRecord
	if len(plan.Steps) > 0 {
		records = m.executor.Execute(ctx, task.ID, task.SessionID, plan, ec)
	}

	successful, failed := tallySteps(records)
	ec.Emit(domain.Event{
		Type: domain.EventTaskCompleted, TaskID: task.ID, Timestamp: time.Now(),
		Data: map[string]any{
			"task_id":            task.ID,
			"successful_steps":   successful,
			"failed_steps":       failed,
			"total_steps":        len(records),
			"duration":           time.Since(start).Milliseconds(),
			"execution_strategy": string(plan.Strategy),
		},
	})

	m.metrics.StepRecorded(ctx, len(records))
	m.metrics.TaskCompleted(ctx)
	m.finish(task.ID, plan, records, domain.TaskCompleted)
}

// runFallback handles a plan compilation failure (e.g. plan_parse_error)
// per §4.6: it does not fail the task directly, it dispatches to whatever
// agent the registry has available and reports that under the fallback
// strategy tag. Only a genuinely empty registry (no_agents_available)
// fails the task terminally.
func (m *Manager) runFallback(ctx context.Context, task *domain.Task, ec *eventChannel, start time.Time, cause error) {
	reason := "plan_parse_error"
	if !errors.Is(cause, planner.ErrPlanParse) {
		reason = cause.Error()
	}

	record, err := m.executor.Fallback(ctx, task.ID, task.SessionID, task.Description, reason, ec)
	if err != nil {
		ec.Emit(domain.Event{Type: domain.EventError, TaskID: task.ID, Timestamp: time.Now(),
			Data: map[string]any{"error": err.Error()}})
		m.metrics.TaskFailed(ctx)
		m.finish(task.ID, nil, nil, domain.TaskFailed)
		return
	}

	plan := &domain.Plan{Strategy: domain.StrategyFallback, Analysis: reason}
	records := []domain.StepRecord{record}
	successful, failed := tallySteps(records)

	ec.Emit(domain.Event{
		Type: domain.EventTaskCompleted, TaskID: task.ID, Timestamp: time.Now(),
		Data: map[string]any{
			"task_id":            task.ID,
			"successful_steps":   successful,
			"failed_steps":       failed,
			"total_steps":        len(records),
			"duration":           time.Since(start).Milliseconds(),
			"execution_strategy": string(domain.StrategyFallback),
		},
	})

	status := domain.TaskCompleted
	if !record.Success {
		status = domain.TaskFailed
	}
	m.metrics.StepRecorded(ctx, len(records))
	if status == domain.TaskCompleted {
		m.metrics.TaskCompleted(ctx)
	} else {
		m.metrics.TaskFailed(ctx)
	}
	m.finish(task.ID, plan, records, status)
}

func tallySteps(records []domain.StepRecord) (successful, failed int) {
	for _, r := range records {
		if r.Success {
			successful++
		} else {
			failed++
		}
	}
	return
}

func (m *Manager) setStatus(taskID string, status domain.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		t.Status = status
	}
}

func (m *Manager) setPlan(taskID string, plan *domain.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		t.Plan = plan
	}
}

func (m *Manager) finish(taskID string, plan *domain.Plan, records []domain.StepRecord, status domain.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return
	}
	if plan != nil {
		t.Plan = plan
	}
	t.Steps = records
	t.Status = status
	t.CompletedAt = time.Now()
}

// Get returns a copy of the current Task record by ID.
func (m *Manager) Get(taskID string) (*domain.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	copyTask := *t
	return &copyTask, true
}

// Events returns the raw event channel for live streaming consumption.
// The returned channel is closed once the task finishes.
func (m *Manager) Events(taskID string) (<-chan domain.Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ec, ok := m.events[taskID]
	if !ok {
		return nil, false
	}
	return ec.ch, true
}

// WaitBatch blocks until the task finishes and returns its final Task
// record, for callers that did not ask for SSE.
func (m *Manager) WaitBatch(ctx context.Context, taskID string) (*domain.Task, error) {
	m.mu.RLock()
	ec, ok := m.events[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	for {
		select {
		case _, open := <-ec.ch:
			if !open {
				t, _ := m.Get(taskID)
				return t, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
