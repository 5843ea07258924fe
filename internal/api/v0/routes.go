// Package v0 provides the REST API handlers for the sync service.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sprintforge/worksync/internal/status"
	syncer "github.com/sprintforge/worksync/internal/sync"
	"github.com/sprintforge/worksync/internal/versions"
)

const (
	// DefaultLookbackDays bounds the incremental task fetch window when the
	// request does not specify one.
	DefaultLookbackDays = 30
)

// SyncService is the job control surface the handlers drive.
type SyncService interface {
	StartFullSync(ctx context.Context, orgID int64, lookback time.Duration) (*status.Job, error)
	StartBoardSync(ctx context.Context, orgID int64, boardExternalID string, lookback time.Duration) (*status.Job, error)
	Cancel(orgID int64) bool
	Status(orgID int64) status.Snapshot
}

// SyncRequest is the body for triggering a full sync
type SyncRequest struct {
	OrgID int64 `json:"org_id"`
	// Days bounds the incremental task fetch window. Zero selects the
	// default; negative disables the bound and refetches everything.
	Days int `json:"days,omitempty"`
}

// BoardSyncRequest is the body for triggering a single-board sync
type BoardSyncRequest struct {
	SyncRequest
	BoardID string `json:"board_id"`
}

// SyncAcceptedResponse acknowledges an admitted sync job
type SyncAcceptedResponse struct {
	JobID  string `json:"job_id"`
	OrgID  int64  `json:"org_id"`
	Scope  string `json:"scope"`
	Status string `json:"status"`
}

// CancelResponse reports the outcome of a cancellation request
type CancelResponse struct {
	OrgID     int64 `json:"org_id"`
	Cancelled bool  `json:"cancelled"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RouteOption configures the sync routes
type RouteOption func(*Routes)

// WithDefaultLookbackDays overrides the default incremental window
func WithDefaultLookbackDays(days int) RouteOption {
	return func(rr *Routes) {
		if days > 0 {
			rr.defaultDays = days
		}
	}
}

// Routes defines the routes for the sync API with dependency injection
type Routes struct {
	service     SyncService
	defaultDays int
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc SyncService, opts ...RouteOption) *Routes {
	rr := &Routes{
		service:     svc,
		defaultDays: DefaultLookbackDays,
	}
	for _, opt := range opts {
		opt(rr)
	}
	return rr
}

// Router creates a new router for the sync API
func Router(svc SyncService, opts ...RouteOption) http.Handler {
	routes := NewRoutes(svc, opts...)

	r := chi.NewRouter()

	r.Post("/", routes.triggerFullSync)
	r.Post("/board", routes.triggerBoardSync)
	r.Get("/status/{orgID}", routes.getStatus)
	r.Post("/cancel/{orgID}", routes.cancelSync)

	return r
}

// triggerFullSync handles POST /api/v0/sync
func (rr *Routes) triggerFullSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.OrgID <= 0 {
		rr.writeErrorResponse(w, "org_id is required", http.StatusBadRequest)
		return
	}

	job, err := rr.service.StartFullSync(r.Context(), req.OrgID, rr.lookback(req.Days))
	if err != nil {
		rr.writeStartError(w, req.OrgID, err)
		return
	}

	rr.writeAccepted(w, job)
}

// triggerBoardSync handles POST /api/v0/sync/board
func (rr *Routes) triggerBoardSync(w http.ResponseWriter, r *http.Request) {
	var req BoardSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.OrgID <= 0 {
		rr.writeErrorResponse(w, "org_id is required", http.StatusBadRequest)
		return
	}
	if req.BoardID == "" {
		rr.writeErrorResponse(w, "board_id is required", http.StatusBadRequest)
		return
	}

	job, err := rr.service.StartBoardSync(r.Context(), req.OrgID, req.BoardID, rr.lookback(req.Days))
	if err != nil {
		rr.writeStartError(w, req.OrgID, err)
		return
	}

	rr.writeAccepted(w, job)
}

// getStatus handles GET /api/v0/sync/status/{orgID}
func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	orgID, ok := rr.orgIDParam(w, r)
	if !ok {
		return
	}

	rr.writeJSONResponse(w, rr.service.Status(orgID), http.StatusOK)
}

// cancelSync handles POST /api/v0/sync/cancel/{orgID}
func (rr *Routes) cancelSync(w http.ResponseWriter, r *http.Request) {
	orgID, ok := rr.orgIDParam(w, r)
	if !ok {
		return
	}

	cancelled := rr.service.Cancel(orgID)
	code := http.StatusOK
	if !cancelled {
		code = http.StatusNotFound
	}
	rr.writeJSONResponse(w, CancelResponse{OrgID: orgID, Cancelled: cancelled}, code)
}

// lookback converts the request's day count into a fetch window
func (rr *Routes) lookback(days int) time.Duration {
	if days < 0 {
		return 0
	}
	if days == 0 {
		days = rr.defaultDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (rr *Routes) orgIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orgID, err := strconv.ParseInt(chi.URLParam(r, "orgID"), 10, 64)
	if err != nil || orgID <= 0 {
		rr.writeErrorResponse(w, "Invalid organization ID", http.StatusBadRequest)
		return 0, false
	}
	return orgID, true
}

func (rr *Routes) writeAccepted(w http.ResponseWriter, job *status.Job) {
	rr.writeJSONResponse(w, SyncAcceptedResponse{
		JobID:  job.ID.String(),
		OrgID:  job.OrgID,
		Scope:  string(job.Scope),
		Status: string(job.Status),
	}, http.StatusAccepted)
}

func (rr *Routes) writeStartError(w http.ResponseWriter, orgID int64, err error) {
	if errors.Is(err, syncer.ErrSyncInProgress) {
		rr.writeErrorResponse(w, "Sync already in progress for this organization", http.StatusConflict)
		return
	}
	slog.Error("failed to start sync", "org_id", orgID, "error", err)
	rr.writeErrorResponse(w, "Failed to start sync", http.StatusInternalServerError)
}

// HealthRouter creates a router for health check endpoints
func HealthRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// versionHandler handles version information requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	response := map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode version info", "error", err)
	}
}

// writeJSONResponse writes a JSON response with the given data
func (*Routes) writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (rr *Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	rr.writeJSONResponse(w, ErrorResponse{Error: message}, statusCode)
}
