// Package tasks provides the background task queue: a priority heap drained
// by long-lived workers that run AI processing jobs with retries, progress
// reporting, cancellation, and optional completion callbacks.
package tasks

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planning-explorer/planning-explorer/internal/ai"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// Status is the task lifecycle state.
type Status string

// Task statuses.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders tasks in the queue. Lower ordinal runs first.
type Priority string

// Task priorities.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func priorityOrdinal(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// TaskType names the kind of work a task performs.
type TaskType string

// Task types.
const (
	TypeProcessApplication TaskType = "process_application"
	TypeProcessBatch       TaskType = "process_batch"
)

// Task is one unit of queued background work.
type Task struct {
	TaskID         string            `json:"task_id"`
	TaskType       TaskType          `json:"task_type"`
	Status         Status            `json:"status"`
	Priority       Priority          `json:"priority"`
	ApplicationIDs []string          `json:"application_ids"`
	ProcessingMode ai.ProcessingMode `json:"processing_mode"`
	Features       []ai.Feature      `json:"features,omitempty"`
	Progress       float64           `json:"progress"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	RetryCount     int               `json:"retry_count"`
	Result         json.RawMessage   `json:"result,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CallbackURL    string            `json:"callback_url,omitempty"`

	enqueuedAt time.Time
	cancel     context.CancelFunc
}

// effectiveOrdinal degrades retried work so fresh tasks run first.
func (t *Task) effectiveOrdinal() int {
	return priorityOrdinal(t.Priority) + t.RetryCount
}

// taskQueue is a min-heap over (effective ordinal, enqueue time).
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	oi, oj := q[i].effectiveOrdinal(), q[j].effectiveOrdinal()
	if oi != oj {
		return oi < oj
	}
	return q[i].enqueuedAt.Before(q[j].enqueuedAt)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return task
}

// ProcessorConfig tunes the background processor.
type ProcessorConfig struct {
	Workers         int           // default 5
	MaxRetries      int           // default 3
	MaxTaskAge      time.Duration // terminal-task retention, default 24h
	SweepInterval   time.Duration // default 10m
	CallbackTimeout time.Duration // default 10s
}

func (c *ProcessorConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxTaskAge <= 0 {
		c.MaxTaskAge = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = 10 * time.Second
	}
}

// orchestrator is the slice of the AI orchestrator the processor needs.
type orchestrator interface {
	ProcessApplication(ctx context.Context, app *domain.PlanningApplication, mode ai.ProcessingMode, features []ai.Feature) (*ai.ProcessingResult, error)
	ProcessBatch(ctx context.Context, apps []*domain.PlanningApplication, mode ai.ProcessingMode, features []ai.Feature, maxConcurrent int) (*ai.BatchProcessingResult, error)
}

// Processor runs queued AI-processing tasks with N workers.
type Processor struct {
	cfg        ProcessorConfig
	orch       orchestrator
	gateway    es.Gateway
	httpClient *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu    sync.Mutex
	queue taskQueue
	tasks map[string]*Task
	wake  chan struct{}

	wg      sync.WaitGroup
	started bool
}

// NewProcessor creates a processor. Call Start to launch the workers.
func NewProcessor(orch orchestrator, gateway es.Gateway, cfg ProcessorConfig, logger *observability.Logger, metrics *observability.Metrics) *Processor {
	cfg.applyDefaults()
	return &Processor{
		cfg:        cfg,
		orch:       orch,
		gateway:    gateway,
		httpClient: &http.Client{Timeout: cfg.CallbackTimeout},
		logger:     logger.WithComponent("task_processor"),
		metrics:    metrics,
		tasks:      make(map[string]*Task),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the queue and returns its id.
func (p *Processor) Enqueue(taskType TaskType, applicationIDs []string, mode ai.ProcessingMode, features []ai.Feature, priority Priority, callbackURL string) (*Task, error) {
	if len(applicationIDs) == 0 {
		return nil, domain.ValidationError("EMPTY_TASK", "task requires at least one application id")
	}
	if taskType == TypeProcessApplication && len(applicationIDs) != 1 {
		return nil, domain.ValidationError("INVALID_TASK", "process_application takes exactly one application id")
	}
	if priorityOrdinal(priority) == 3 && priority != PriorityNormal && priority != "" {
		return nil, domain.ValidationError("INVALID_PRIORITY", fmt.Sprintf("unknown priority %q", priority))
	}
	if priority == "" {
		priority = PriorityNormal
	}

	now := time.Now().UTC()
	task := &Task{
		TaskID:         uuid.NewString(),
		TaskType:       taskType,
		Status:         StatusPending,
		Priority:       priority,
		ApplicationIDs: applicationIDs,
		ProcessingMode: mode,
		Features:       features,
		CreatedAt:      now,
		CallbackURL:    callbackURL,
		enqueuedAt:     now,
	}

	p.mu.Lock()
	p.tasks[task.TaskID] = task
	heap.Push(&p.queue, task)
	p.mu.Unlock()
	p.signal()

	p.logger.Info().
		Str("task_id", task.TaskID).
		Str("task_type", string(taskType)).
		Str("priority", string(priority)).
		Int("applications", len(applicationIDs)).
		Msg("task enqueued")
	return task, nil
}

// Get returns a snapshot of a task by id.
func (p *Processor) Get(taskID string) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return nil, domain.NotFoundError("TASK_NOT_FOUND", fmt.Sprintf("task %s not found", taskID))
	}
	snapshot := *task
	return &snapshot, nil
}

// Cancel cancels a pending or in-progress task.
func (p *Processor) Cancel(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return domain.NotFoundError("TASK_NOT_FOUND", fmt.Sprintf("task %s not found", taskID))
	}
	switch task.Status {
	case StatusPending:
		task.Status = StatusCancelled
		now := time.Now().UTC()
		task.CompletedAt = &now
		return nil
	case StatusInProgress:
		if task.cancel != nil {
			task.cancel()
		}
		return nil
	default:
		return domain.ValidationError("TASK_TERMINAL", fmt.Sprintf("task %s already %s", taskID, task.Status))
	}
}

// Stats summarizes the queue by status.
type Stats struct {
	ByStatus map[Status]int `json:"by_status"`
	Queued   int            `json:"queued"`
}

// Stats returns queue counts by status.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{ByStatus: make(map[Status]int), Queued: p.queue.Len()}
	for _, task := range p.tasks {
		stats.ByStatus[task.Status]++
	}
	return stats
}

// Start launches the worker pool and the cleanup sweeper. Workers exit when
// ctx is cancelled; Wait blocks until they do.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.cleanup()
			}
		}
	}()

	p.logger.Info().Int("workers", p.cfg.Workers).Msg("task processor started")
}

// Wait blocks until all workers have exited.
func (p *Processor) Wait() { p.wg.Wait() }

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		task := p.dequeue()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			case <-time.After(time.Second):
				continue
			}
		}
		p.run(ctx, task)
		p.updateGauges()
	}
}

// dequeue pops the highest-priority pending task and marks it in progress.
func (p *Processor) dequeue() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() > 0 {
		task := heap.Pop(&p.queue).(*Task)
		if task.Status != StatusPending {
			continue // cancelled while queued
		}
		now := time.Now().UTC()
		task.Status = StatusInProgress
		task.StartedAt = &now
		task.Progress = 0.1
		return task
	}
	return nil
}

// run executes one task through the orchestrator.
func (p *Processor) run(ctx context.Context, task *Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	task.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	apps, err := p.loadApplications(taskCtx, task.ApplicationIDs)
	if err != nil {
		p.fail(task, fmt.Errorf("load applications: %w", err))
		return
	}
	p.setProgress(task, 0.2)

	var result any
	switch task.TaskType {
	case TypeProcessApplication:
		result, err = p.orch.ProcessApplication(taskCtx, apps[0], task.ProcessingMode, task.Features)
	case TypeProcessBatch:
		result, err = p.orch.ProcessBatch(taskCtx, apps, task.ProcessingMode, task.Features, 0)
	default:
		err = fmt.Errorf("unknown task type %q", task.TaskType)
	}
	if err != nil {
		if taskCtx.Err() != nil && ctx.Err() == nil {
			p.markCancelled(task)
			return
		}
		p.fail(task, err)
		return
	}
	p.setProgress(task, 0.9)

	raw, err := json.Marshal(result)
	if err != nil {
		p.fail(task, fmt.Errorf("encode result: %w", err))
		return
	}
	p.complete(task, raw)
}

func (p *Processor) loadApplications(ctx context.Context, ids []string) ([]*domain.PlanningApplication, error) {
	apps := make([]*domain.PlanningApplication, 0, len(ids))
	for _, id := range ids {
		source, err := p.gateway.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("application %s: %w", id, err)
		}
		var app domain.PlanningApplication
		if err := json.Unmarshal(source, &app); err != nil {
			return nil, fmt.Errorf("decode application %s: %w", id, err)
		}
		if app.ApplicationID == "" {
			app.ApplicationID = id
		}
		apps = append(apps, &app)
	}
	return apps, nil
}

func (p *Processor) setProgress(task *Task, progress float64) {
	p.mu.Lock()
	task.Progress = progress
	p.mu.Unlock()
}

func (p *Processor) complete(task *Task, result json.RawMessage) {
	p.mu.Lock()
	now := time.Now().UTC()
	task.Status = StatusCompleted
	task.Progress = 1.0
	task.CompletedAt = &now
	task.Result = result
	task.cancel = nil
	p.mu.Unlock()

	p.logger.Info().Str("task_id", task.TaskID).Msg("task completed")
	p.notify(task)
}

// fail re-enqueues the task at degraded priority until retries run out.
func (p *Processor) fail(task *Task, err error) {
	p.mu.Lock()
	task.RetryCount++
	task.ErrorMessage = err.Error()
	task.cancel = nil
	if task.RetryCount < p.cfg.MaxRetries {
		task.Status = StatusPending
		task.Progress = 0
		task.enqueuedAt = time.Now().UTC()
		heap.Push(&p.queue, task)
		p.mu.Unlock()
		p.signal()
		p.logger.Warn().Err(err).Str("task_id", task.TaskID).Int("retry", task.RetryCount).Msg("task failed, re-enqueued")
		return
	}
	now := time.Now().UTC()
	task.Status = StatusFailed
	task.CompletedAt = &now
	p.mu.Unlock()

	p.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("task failed permanently")
	p.notify(task)
}

func (p *Processor) markCancelled(task *Task) {
	p.mu.Lock()
	now := time.Now().UTC()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	task.cancel = nil
	p.mu.Unlock()

	p.logger.Info().Str("task_id", task.TaskID).Msg("task cancelled")
	p.notify(task)
}

// notify POSTs the task summary to the callback URL, if any.
func (p *Processor) notify(task *Task) {
	if task.CallbackURL == "" {
		return
	}

	p.mu.Lock()
	snapshot := *task
	p.mu.Unlock()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("callback delivery failed")
		return
	}
	resp.Body.Close()
}

// cleanup drops terminal tasks older than the retention window.
func (p *Processor) cleanup() {
	cutoff := time.Now().UTC().Add(-p.cfg.MaxTaskAge)
	removed := 0

	p.mu.Lock()
	for id, task := range p.tasks {
		terminal := task.Status == StatusCompleted || task.Status == StatusFailed || task.Status == StatusCancelled
		if terminal && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(p.tasks, id)
			removed++
		}
	}
	p.mu.Unlock()

	if removed > 0 {
		p.logger.Info().Int("removed", removed).Msg("cleaned up terminal tasks")
	}
	p.updateGauges()
}

func (p *Processor) updateGauges() {
	if p.metrics == nil {
		return
	}
	stats := p.Stats()
	for _, status := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled} {
		p.metrics.TasksByState.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
}
