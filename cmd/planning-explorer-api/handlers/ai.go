package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/planning-explorer/planning-explorer/internal/ai"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
	"github.com/planning-explorer/planning-explorer/internal/tasks"
)

// AIHandler serves the AI processing endpoints.
type AIHandler struct {
	logger    *observability.Logger
	gateway   es.Gateway
	orch      *ai.Orchestrator
	processor *tasks.Processor
	usage     *llm.UsageTracker
}

// NewAIHandler creates an AI handler.
func NewAIHandler(logger *observability.Logger, gateway es.Gateway, orch *ai.Orchestrator, processor *tasks.Processor, usage *llm.UsageTracker) *AIHandler {
	return &AIHandler{
		logger:    logger,
		gateway:   gateway,
		orch:      orch,
		processor: processor,
		usage:     usage,
	}
}

func (h *AIHandler) loadApplication(r *http.Request, id string) (*domain.PlanningApplication, error) {
	if id == "" {
		return nil, domain.ValidationError("MISSING_APPLICATION_ID", "application_id is required")
	}
	source, err := h.gateway.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	var app domain.PlanningApplication
	if err := json.Unmarshal(source, &app); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "DECODE_FAILED", "could not decode application", err)
	}
	if app.ApplicationID == "" {
		app.ApplicationID = id
	}
	return &app, nil
}

type scoreRequest struct {
	ApplicationID string `json:"application_id"`
}

// OpportunityScore handles POST /ai/opportunity-score.
func (h *AIHandler) OpportunityScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	app, err := h.loadApplication(r, req.ApplicationID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	result, err := h.orch.ProcessApplication(r.Context(), app, ai.ModeFast, []ai.Feature{ai.FeatureOpportunityScoring})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, result, nil)
}

type summarizeRequest struct {
	ApplicationID string `json:"application_id"`
	SummaryType   string `json:"summary_type"`
	SummaryLength string `json:"summary_length"`
}

// Summarize handles POST /ai/summarize.
func (h *AIHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	app, err := h.loadApplication(r, req.ApplicationID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	result, err := h.orch.Summarize(r.Context(), app,
		ai.SummaryType(defaulted(req.SummaryType, string(ai.SummaryGeneral))),
		ai.SummaryLength(defaulted(req.SummaryLength, string(ai.LengthMedium))))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, result, nil)
}

// Insights handles GET /ai/insights?application_id=.
func (h *AIHandler) Insights(w http.ResponseWriter, r *http.Request) {
	app, err := h.loadApplication(r, r.URL.Query().Get("application_id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	result, err := h.orch.ProcessApplication(r.Context(), app, ai.ModeComprehensive, nil)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, result, nil)
}

type batchRequest struct {
	ApplicationIDs []string `json:"application_ids"`
	ProcessingMode string   `json:"processing_mode"`
	Features       []string `json:"features,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	CallbackURL    string   `json:"callback_url,omitempty"`
}

func (h *AIHandler) enqueueBatch(w http.ResponseWriter, r *http.Request, defaultMode ai.ProcessingMode, features []ai.Feature) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	mode := ai.ProcessingMode(defaulted(req.ProcessingMode, string(defaultMode)))
	if features == nil {
		for _, f := range req.Features {
			features = append(features, ai.Feature(f))
		}
	}

	task, err := h.processor.Enqueue(tasks.TypeProcessBatch, req.ApplicationIDs, mode, features,
		tasks.Priority(defaulted(req.Priority, string(tasks.PriorityNormal))), req.CallbackURL)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusAccepted, task, nil)
}

// BatchScore handles POST /ai/batch-score.
func (h *AIHandler) BatchScore(w http.ResponseWriter, r *http.Request) {
	h.enqueueBatch(w, r, ai.ModeBatch, []ai.Feature{ai.FeatureOpportunityScoring})
}

// BatchProcess handles POST /ai/batch-process.
func (h *AIHandler) BatchProcess(w http.ResponseWriter, r *http.Request) {
	h.enqueueBatch(w, r, ai.ModeStandard, nil)
}

// GetTask handles GET /ai/tasks/{id}.
func (h *AIHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.processor.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, task, nil)
}

// GetTaskResult handles GET /ai/tasks/{id}/result.
func (h *AIHandler) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	task, err := h.processor.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if task.Status != tasks.StatusCompleted {
		respondError(w, h.logger, domain.ValidationError("TASK_NOT_COMPLETED",
			"task has no result yet: status "+string(task.Status)))
		return
	}
	respondData(w, http.StatusOK, task.Result, nil)
}

// CancelTask handles DELETE /ai/tasks/{id}.
func (h *AIHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.processor.Cancel(chi.URLParam(r, "id")); err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "cancellation_requested"}, nil)
}

// ServiceStatus handles GET /ai/service-status.
func (h *AIHandler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]any{
		"queue": h.processor.Stats(),
		"usage": h.usage.Snapshot(),
	}, nil)
}

func defaulted(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
