package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"meter-analytics/internal/models"
	"meter-analytics/internal/repository"
	"meter-analytics/internal/services"
	"meter-analytics/pkg/logging"
	"meter-analytics/pkg/metrics"
)

// AnalyticsHandler handles analytics API endpoints
type AnalyticsHandler struct {
	analyticsService *services.AnalyticsService
	pipelineService  *services.PipelineService
	logger           *logging.StructuredLogger
	metrics          *metrics.Collector
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(
	analyticsService *services.AnalyticsService,
	pipelineService *services.PipelineService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *AnalyticsHandler {
	return &AnalyticsHandler{
		analyticsService: analyticsService,
		pipelineService:  pipelineService,
		logger:           logger,
		metrics:          metricsCollector,
	}
}

// RegisterRoutes registers all analytics routes on the router.
func (h *AnalyticsHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/active-agreements", h.GetActiveAgreements).Methods(http.MethodGet)
	api.HandleFunc("/consumption/half-hourly", h.GetHalfHourlyConsumption).Methods(http.MethodGet)
	api.HandleFunc("/consumption/daily", h.GetDailyProductConsumption).Methods(http.MethodGet)
	api.HandleFunc("/runs", h.TriggerRun).Methods(http.MethodPost)

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// GetActiveAgreements handles GET /api/v1/active-agreements
func (h *AnalyticsHandler) GetActiveAgreements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues("/api/v1/active-agreements").Observe(time.Since(startTime).Seconds())
	}()

	page, limit := paginationParams(r)

	filter := repository.ActiveAgreementFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if v := r.URL.Query().Get("reference_date"); v != "" {
		refDate, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.sendError(w, r, "invalid reference_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.ReferenceDate = &refDate
	}
	if v := r.URL.Query().Get("product_id"); v != "" {
		filter.ProductID = &v
	}
	if v := r.URL.Query().Get("meterpoint_id"); v != "" {
		filter.MeterpointID = &v
	}

	agreements, total, err := h.analyticsService.GetActiveAgreements(ctx, filter)
	if err != nil {
		h.metrics.RecordAPIError("query_error", "/api/v1/active-agreements")
		h.logger.Error(ctx, "[API_ERROR] Failed to get active agreements", logging.Fields{}, err)
		h.sendError(w, r, "failed to retrieve active agreements", http.StatusInternalServerError)
		return
	}

	h.sendPaginated(w, r, agreements, total, page, limit)
}

// GetHalfHourlyConsumption handles GET /api/v1/consumption/half-hourly
func (h *AnalyticsHandler) GetHalfHourlyConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues("/api/v1/consumption/half-hourly").Observe(time.Since(startTime).Seconds())
	}()

	page, limit := paginationParams(r)

	filter := repository.ConsumptionFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if v := r.URL.Query().Get("meterpoint_id"); v != "" {
		filter.MeterpointID = &v
	}
	if v := r.URL.Query().Get("start"); v != "" {
		start, err := parseTimestampParam(v)
		if err != nil {
			h.sendError(w, r, "invalid start format, expected RFC3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.Start = &start
	}
	if v := r.URL.Query().Get("end"); v != "" {
		end, err := parseTimestampParam(v)
		if err != nil {
			h.sendError(w, r, "invalid end format, expected RFC3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.End = &end
	}

	buckets, total, err := h.analyticsService.GetHalfHourlyConsumption(ctx, filter)
	if err != nil {
		h.metrics.RecordAPIError("query_error", "/api/v1/consumption/half-hourly")
		h.logger.Error(ctx, "[API_ERROR] Failed to get half-hourly consumption", logging.Fields{}, err)
		h.sendError(w, r, "failed to retrieve half-hourly consumption", http.StatusInternalServerError)
		return
	}

	h.sendPaginated(w, r, buckets, total, page, limit)
}

// GetDailyProductConsumption handles GET /api/v1/consumption/daily
func (h *AnalyticsHandler) GetDailyProductConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues("/api/v1/consumption/daily").Observe(time.Since(startTime).Seconds())
	}()

	page, limit := paginationParams(r)

	filter := repository.DailyConsumptionFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if v := r.URL.Query().Get("product_id"); v != "" {
		filter.ProductID = &v
	}
	if v := r.URL.Query().Get("start_date"); v != "" {
		start, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.sendError(w, r, "invalid start_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.Start = &start
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		end, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.sendError(w, r, "invalid end_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.End = &end
	}

	rows, total, err := h.analyticsService.GetDailyProductConsumption(ctx, filter)
	if err != nil {
		h.metrics.RecordAPIError("query_error", "/api/v1/consumption/daily")
		h.logger.Error(ctx, "[API_ERROR] Failed to get daily product consumption", logging.Fields{}, err)
		h.sendError(w, r, "failed to retrieve daily product consumption", http.StatusInternalServerError)
		return
	}

	h.sendPaginated(w, r, rows, total, page, limit)
}

// RunRequest is the body of POST /api/v1/runs.
type RunRequest struct {
	ReferenceDate string `json:"reference_date"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
}

// RunResponse summarizes a completed pipeline run.
type RunResponse struct {
	RunID               string  `json:"run_id"`
	ReferenceDate       string  `json:"reference_date"`
	RangeStart          string  `json:"range_start"`
	RangeEnd            string  `json:"range_end"`
	ActiveAgreements    int     `json:"active_agreements"`
	HalfHourlyRows      int     `json:"half_hourly_rows"`
	DailyProductRows    int     `json:"daily_product_rows"`
	MalformedRows       int     `json:"malformed_rows"`
	OutOfScopeRows      int     `json:"out_of_scope_rows"`
	DuplicateReadings   int     `json:"duplicate_readings"`
	UnattributedBuckets int     `json:"unattributed_buckets"`
	OrphanedAgreements  int     `json:"orphaned_agreements"`
	DurationSeconds     float64 `json:"duration_seconds"`
}

// TriggerRun handles POST /api/v1/runs: it executes the pipeline
// synchronously for the requested scope.
func (h *AnalyticsHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues("/api/v1/runs").Observe(time.Since(startTime).Seconds())
	}()

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}

	scope, err := scopeFromRequest(req)
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.pipelineService.Run(ctx, scope)
	if err != nil {
		h.metrics.RecordAPIError("run_error", "/api/v1/runs")
		h.logger.Error(ctx, "[API_ERROR] Pipeline run failed", logging.Fields{
			"reference_date": req.ReferenceDate,
		}, err)
		h.sendError(w, r, "pipeline run failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.sendJSON(w, r, http.StatusCreated, RunResponse{
		RunID:               result.RunID,
		ReferenceDate:       result.Scope.ReferenceDate.Format("2006-01-02"),
		RangeStart:          result.Scope.Range.Start.Format("2006-01-02"),
		RangeEnd:            result.Scope.Range.End.Format("2006-01-02"),
		ActiveAgreements:    len(result.ActiveAgreements),
		HalfHourlyRows:      len(result.HalfHourly),
		DailyProductRows:    len(result.DailyProduct),
		MalformedRows:       result.Aggregation.MalformedRows,
		OutOfScopeRows:      result.Aggregation.OutOfScopeRows,
		DuplicateReadings:   result.Aggregation.DuplicateReadings,
		UnattributedBuckets: result.Aggregation.UnattributedBuckets,
		OrphanedAgreements:  result.Resolution.OrphanedAgreements,
		DurationSeconds:     result.Duration.Seconds(),
	})
}

// Health handles GET /health
func (h *AnalyticsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.analyticsService.HealthCheck(r.Context()); err != nil {
		h.sendJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	h.sendJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func scopeFromRequest(req RunRequest) (models.RunScope, error) {
	var scope models.RunScope

	refDate, err := time.Parse("2006-01-02", req.ReferenceDate)
	if err != nil {
		return scope, &models.ValidationError{
			Field:   "reference_date",
			Value:   req.ReferenceDate,
			Message: "invalid reference_date format, expected YYYY-MM-DD",
		}
	}
	scope.ReferenceDate = refDate

	if req.StartDate != "" || req.EndDate != "" {
		start, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			return scope, &models.ValidationError{
				Field:   "start_date",
				Value:   req.StartDate,
				Message: "invalid start_date format, expected YYYY-MM-DD",
			}
		}
		end, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			return scope, &models.ValidationError{
				Field:   "end_date",
				Value:   req.EndDate,
				Message: "invalid end_date format, expected YYYY-MM-DD",
			}
		}
		scope.Range = models.DateRange{Start: start, End: end}
	}

	return scope, nil
}

func paginationParams(r *http.Request) (page, limit int) {
	page = 1
	limit = 100

	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}

	return page, limit
}

func parseTimestampParam(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", value)
}

func (h *AnalyticsHandler) sendPaginated(w http.ResponseWriter, r *http.Request, data interface{}, total, page, limit int) {
	totalPages := (total + limit - 1) / limit
	h.sendJSON(w, r, http.StatusOK, PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	})
}

func (h *AnalyticsHandler) sendJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error(r.Context(), "[API_ERROR] Failed to encode response", logging.Fields{}, err)
	}
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(status))
}

func (h *AnalyticsHandler) sendError(w http.ResponseWriter, r *http.Request, message string, code int) {
	h.sendJSON(w, r, code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	})
}
