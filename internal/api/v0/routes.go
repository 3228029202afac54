// Package v0 provides the REST API handlers for sync orchestration access.
package v0

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/billmirror/billmirror/internal/service"
	"github.com/billmirror/billmirror/internal/store"
	"github.com/billmirror/billmirror/internal/webhook"
)

// maxWebhookBody bounds how much of a webhook request body is read.
const maxWebhookBody = 1 << 20

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "Billmirror-Signature"

// RunResponse represents one run in API responses
type RunResponse struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	TriggeredBy string     `json:"triggered_by"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// ObjectRunResponse represents per-object progress within a run
type ObjectRunResponse struct {
	ObjectType string    `json:"object_type"`
	Status     string    `json:"status"`
	Cursor     *string   `json:"cursor,omitempty"`
	PageCursor *string   `json:"page_cursor,omitempty"`
	Error      *string   `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunDetailResponse represents a run together with its object sweeps
type RunDetailResponse struct {
	RunResponse
	ObjectRuns []ObjectRunResponse `json:"object_runs"`
}

// ListRunsResponse represents the run listing response
type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// TriggerSyncRequest represents the manual trigger request body
type TriggerSyncRequest struct {
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// TriggerSyncResponse represents the manual trigger response
type TriggerSyncResponse struct {
	TriggeredBy string `json:"triggered_by"`
	Enqueued    int    `json:"enqueued"`
}

// WebhookResponse represents the applied webhook event response
type WebhookResponse struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Action    string `json:"action"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes for the sync API with dependency injection
type Routes struct {
	service service.SyncService
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc service.SyncService) *Routes {
	return &Routes{
		service: svc,
	}
}

// Router creates a new router for the sync API
func Router(svc service.SyncService) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Get("/runs", routes.listRuns)
	r.Get("/runs/{id}", routes.getRun)
	r.Post("/sync", routes.triggerSync)
	r.Post("/webhook", routes.handleWebhook)

	return r
}

// listRuns handles GET /v0/runs
func (rr *Routes) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := rr.service.ListRuns(r.Context())
	if err != nil {
		slog.Error("Failed to list runs", "error", err)
		rr.writeErrorResponse(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runResponse(run))
	}

	rr.writeJSONResponse(w, resp)
}

// getRun handles GET /v0/runs/{id}
func (rr *Routes) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		rr.writeErrorResponse(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	detail, err := rr.service.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			rr.writeErrorResponse(w, "Run not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to get run", "run_id", id, "error", err)
		rr.writeErrorResponse(w, "Failed to get run", http.StatusInternalServerError)
		return
	}

	resp := RunDetailResponse{
		RunResponse: runResponse(detail.Run),
		ObjectRuns:  make([]ObjectRunResponse, 0, len(detail.ObjectRuns)),
	}
	for _, or := range detail.ObjectRuns {
		resp.ObjectRuns = append(resp.ObjectRuns, ObjectRunResponse{
			ObjectType: or.ObjectType,
			Status:     string(or.Status),
			Cursor:     or.Cursor,
			PageCursor: or.PageCursor,
			Error:      or.ErrorDetail,
			UpdatedAt:  or.UpdatedAt,
		})
	}

	rr.writeJSONResponse(w, resp)
}

// triggerSync handles POST /v0/sync
func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req TriggerSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			rr.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	result, err := rr.service.TriggerSync(r.Context(), req.TriggeredBy)
	if err != nil {
		slog.Error("Failed to trigger sync", "error", err)
		rr.writeErrorResponse(w, "Failed to trigger sync", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(TriggerSyncResponse{
		TriggeredBy: result.TriggeredBy,
		Enqueued:    result.Enqueued,
	}); err != nil {
		slog.Error("Failed to encode trigger response", "error", err)
	}
}

// handleWebhook handles POST /v0/webhook. The raw body is verified against
// the signature header before anything is parsed or applied.
func (rr *Routes) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		rr.writeErrorResponse(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	result, err := rr.service.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		if errors.Is(err, webhook.ErrSignatureInvalid) {
			rr.writeErrorResponse(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
		slog.Error("Failed to handle webhook", "error", err)
		rr.writeErrorResponse(w, "Failed to process event", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, WebhookResponse{
		EventID:   result.EventID,
		EventType: result.EventType,
		Action:    string(result.Action),
	})
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(svc service.SyncService) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(svc))

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler handles readiness check requests
func readinessHandler(svc service.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CheckReadiness(r.Context()); err != nil {
			errorResp := ErrorResponse{
				Error: "SyncService not ready: " + err.Error(),
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			if encodeErr := json.NewEncoder(w).Encode(errorResp); encodeErr != nil {
				slog.Error("Failed to encode readiness error response", "error", encodeErr)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// writeJSONResponse writes a JSON response with the given data
func (*Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	errorResp := ErrorResponse{
		Error: message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(errorResp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

func runResponse(run store.Run) RunResponse {
	status := "closed"
	if run.Open() {
		status = "open"
	}
	return RunResponse{
		ID:          run.ID.String(),
		AccountID:   run.AccountID,
		TriggeredBy: run.TriggeredBy,
		Status:      status,
		StartedAt:   run.StartedAt,
		ClosedAt:    run.ClosedAt,
	}
}
