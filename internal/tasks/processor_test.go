package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planning-explorer/planning-explorer/internal/ai"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

// fakeGateway serves minimal application documents by id.
type fakeGateway struct {
	getErr error
}

func (f *fakeGateway) Search(ctx context.Context, req es.SearchRequest) (*es.SearchResponse, error) {
	return &es.SearchResponse{}, nil
}

func (f *fakeGateway) Get(ctx context.Context, id string) (json.RawMessage, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return json.RawMessage(fmt.Sprintf(`{"application_id":%q}`, id)), nil
}

func (f *fakeGateway) Index(ctx context.Context, id string, doc any, refresh bool) error { return nil }

func (f *fakeGateway) Update(ctx context.Context, id string, partial map[string]any, refresh bool) error {
	return nil
}

func (f *fakeGateway) BulkUpdate(ctx context.Context, ops []es.BulkOp, chunkSize int) (*es.BulkResult, error) {
	return &es.BulkResult{Success: len(ops)}, nil
}

func (f *fakeGateway) Count(ctx context.Context, query map[string]any) (int64, error) { return 0, nil }

func (f *fakeGateway) SearchAfter(ctx context.Context, req es.SearchRequest, cursor []any) (*es.SearchResponse, error) {
	return &es.SearchResponse{}, nil
}

func (f *fakeGateway) Refresh(ctx context.Context) error { return nil }

func (f *fakeGateway) HealthCheck(ctx context.Context) (*es.Health, error) {
	return &es.Health{ClusterStatus: "green", IndexExists: true}, nil
}

var _ es.Gateway = (*fakeGateway)(nil)

// fakeOrch delegates to configurable functions.
type fakeOrch struct {
	mu        sync.Mutex
	processed []string
	processFn func(ctx context.Context, app *domain.PlanningApplication) (*ai.ProcessingResult, error)
}

func (f *fakeOrch) ProcessApplication(ctx context.Context, app *domain.PlanningApplication, mode ai.ProcessingMode, features []ai.Feature) (*ai.ProcessingResult, error) {
	f.mu.Lock()
	f.processed = append(f.processed, app.ApplicationID)
	f.mu.Unlock()
	if f.processFn != nil {
		return f.processFn(ctx, app)
	}
	return &ai.ProcessingResult{ApplicationID: app.ApplicationID, Success: true}, nil
}

func (f *fakeOrch) ProcessBatch(ctx context.Context, apps []*domain.PlanningApplication, mode ai.ProcessingMode, features []ai.Feature, maxConcurrent int) (*ai.BatchProcessingResult, error) {
	results := make([]*ai.ProcessingResult, len(apps))
	for i, app := range apps {
		r, err := f.ProcessApplication(ctx, app, mode, features)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return &ai.BatchProcessingResult{Total: len(apps), Succeeded: len(apps), Results: results}, nil
}

var _ orchestrator = (*fakeOrch)(nil)

func newTestProcessor(orch orchestrator, gw es.Gateway, cfg ProcessorConfig) *Processor {
	return NewProcessor(orch, gw, cfg, testLogger(), observability.NewMetrics())
}

func TestEnqueue_Validation(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{})

	_, err := p.Enqueue(TypeProcessBatch, nil, ai.ModeFast, nil, PriorityNormal, "")
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "EMPTY_TASK", de.Code)

	_, err = p.Enqueue(TypeProcessApplication, []string{"a", "b"}, ai.ModeFast, nil, PriorityNormal, "")
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "INVALID_TASK", de.Code)

	_, err = p.Enqueue(TypeProcessBatch, []string{"a"}, ai.ModeFast, nil, Priority("asap"), "")
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "INVALID_PRIORITY", de.Code)

	task, err := p.Enqueue(TypeProcessBatch, []string{"a"}, ai.ModeFast, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, StatusPending, task.Status)
	assert.NotEmpty(t, task.TaskID)
}

func TestDequeue_PriorityOrder(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{})

	low, err := p.Enqueue(TypeProcessBatch, []string{"low"}, ai.ModeFast, nil, PriorityLow, "")
	require.NoError(t, err)
	normal, err := p.Enqueue(TypeProcessBatch, []string{"normal"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)
	urgent, err := p.Enqueue(TypeProcessBatch, []string{"urgent"}, ai.ModeFast, nil, PriorityUrgent, "")
	require.NoError(t, err)

	assert.Equal(t, urgent.TaskID, p.dequeue().TaskID)
	assert.Equal(t, normal.TaskID, p.dequeue().TaskID)
	assert.Equal(t, low.TaskID, p.dequeue().TaskID)
	assert.Nil(t, p.dequeue())
}

func TestDequeue_FIFOWithinPriority(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{})

	first, err := p.Enqueue(TypeProcessBatch, []string{"first"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)
	// Force distinct enqueue timestamps.
	p.mu.Lock()
	first.enqueuedAt = first.enqueuedAt.Add(-time.Second)
	p.mu.Unlock()
	second, err := p.Enqueue(TypeProcessBatch, []string{"second"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, p.dequeue().TaskID)
	assert.Equal(t, second.TaskID, p.dequeue().TaskID)
}

func TestEffectiveOrdinal_RetriesDegradePriority(t *testing.T) {
	fresh := &Task{Priority: PriorityHigh}
	retried := &Task{Priority: PriorityUrgent, RetryCount: 2}
	assert.Less(t, fresh.effectiveOrdinal(), retried.effectiveOrdinal())
}

func TestGet_UnknownTask(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{})

	_, err := p.Get("nope")
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "TASK_NOT_FOUND", de.Code)
}

func TestCancel_PendingTask(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{})
	task, err := p.Enqueue(TypeProcessBatch, []string{"a"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)

	require.NoError(t, p.Cancel(task.TaskID))
	got, err := p.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Cancelled-while-queued tasks are skipped by dequeue.
	assert.Nil(t, p.dequeue())
}

func TestCancel_TerminalTask(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{})
	task, err := p.Enqueue(TypeProcessBatch, []string{"a"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)
	require.NoError(t, p.Cancel(task.TaskID))

	err = p.Cancel(task.TaskID)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "TASK_TERMINAL", de.Code)
}

func TestRun_CompletesTask(t *testing.T) {
	orch := &fakeOrch{}
	p := newTestProcessor(orch, &fakeGateway{}, ProcessorConfig{})

	task, err := p.Enqueue(TypeProcessApplication, []string{"app-1"}, ai.ModeStandard, nil, PriorityNormal, "")
	require.NoError(t, err)
	p.run(context.Background(), p.dequeue())

	got, err := p.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.InDelta(t, 1.0, got.Progress, 0.001)
	assert.NotNil(t, got.CompletedAt)

	var result ai.ProcessingResult
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, "app-1", result.ApplicationID)
	assert.Equal(t, []string{"app-1"}, orch.processed)
}

func TestRun_RetriesThenFailsPermanently(t *testing.T) {
	orch := &fakeOrch{processFn: func(ctx context.Context, app *domain.PlanningApplication) (*ai.ProcessingResult, error) {
		return nil, fmt.Errorf("provider down")
	}}
	p := newTestProcessor(orch, &fakeGateway{}, ProcessorConfig{MaxRetries: 3})

	task, err := p.Enqueue(TypeProcessApplication, []string{"app-1"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		p.run(context.Background(), p.dequeue())
		got, err := p.Get(task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status, "attempt %d should re-enqueue", attempt)
		assert.Equal(t, attempt, got.RetryCount)
	}

	p.run(context.Background(), p.dequeue())
	got, err := p.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "provider down")
}

func TestRun_GatewayFailureCountsAsRetry(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{getErr: fmt.Errorf("index unreachable")}, ProcessorConfig{})

	task, err := p.Enqueue(TypeProcessApplication, []string{"app-1"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)
	p.run(context.Background(), p.dequeue())

	got, err := p.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "load applications")
}

func TestRun_CancelInProgress(t *testing.T) {
	p := newTestProcessor(nil, &fakeGateway{}, ProcessorConfig{})
	orch := &fakeOrch{}
	p.orch = orch

	task, err := p.Enqueue(TypeProcessApplication, []string{"app-1"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)

	orch.processFn = func(ctx context.Context, app *domain.PlanningApplication) (*ai.ProcessingResult, error) {
		require.NoError(t, p.Cancel(task.TaskID))
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p.run(context.Background(), p.dequeue())
	got, err := p.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestNotify_PostsCallback(t *testing.T) {
	received := make(chan Task, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task Task
		require.NoError(t, json.NewDecoder(r.Body).Decode(&task))
		received <- task
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{})
	task, err := p.Enqueue(TypeProcessApplication, []string{"app-1"}, ai.ModeFast, nil, PriorityNormal, srv.URL)
	require.NoError(t, err)
	p.run(context.Background(), p.dequeue())

	select {
	case delivered := <-received:
		assert.Equal(t, task.TaskID, delivered.TaskID)
		assert.Equal(t, StatusCompleted, delivered.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not delivered")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	p := NewProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{}, testLogger(), nil)

	id, err := p.Enqueue(TypeProcessApplication, []string{"app-1"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)

	p.run(context.Background(), p.dequeue())
	p.updateGauges()

	task, err := p.Get(id.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
}

func TestStats_CountsByStatus(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{})

	_, err := p.Enqueue(TypeProcessBatch, []string{"a"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)
	done, err := p.Enqueue(TypeProcessApplication, []string{"b"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)

	p.mu.Lock()
	done.Status = StatusCompleted
	p.mu.Unlock()

	stats := p.Stats()
	assert.Equal(t, 1, stats.ByStatus[StatusPending])
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 2, stats.Queued)
}

func TestCleanup_RemovesOldTerminalTasks(t *testing.T) {
	p := newTestProcessor(&fakeOrch{}, &fakeGateway{}, ProcessorConfig{MaxTaskAge: time.Hour})

	old, err := p.Enqueue(TypeProcessBatch, []string{"a"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)
	recent, err := p.Enqueue(TypeProcessBatch, []string{"b"}, ai.ModeFast, nil, PriorityNormal, "")
	require.NoError(t, err)

	p.mu.Lock()
	stale := time.Now().UTC().Add(-2 * time.Hour)
	old.Status = StatusCompleted
	old.CompletedAt = &stale
	now := time.Now().UTC()
	recent.Status = StatusCompleted
	recent.CompletedAt = &now
	p.mu.Unlock()

	p.cleanup()

	_, err = p.Get(old.TaskID)
	assert.Error(t, err)
	_, err = p.Get(recent.TaskID)
	assert.NoError(t, err)
}

func TestProcessor_EndToEnd(t *testing.T) {
	orch := &fakeOrch{}
	p := newTestProcessor(orch, &fakeGateway{}, ProcessorConfig{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	task, err := p.Enqueue(TypeProcessBatch, []string{"app-1", "app-2"}, ai.ModeFast, nil, PriorityHigh, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := p.Get(task.TaskID)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	p.Wait()

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.ElementsMatch(t, []string{"app-1", "app-2"}, orch.processed)
}
