package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meter-analytics/internal/models"
	"meter-analytics/internal/repository"
	"meter-analytics/internal/transform"
	"meter-analytics/pkg/logging"
	"meter-analytics/pkg/metrics"
)

// PipelineService runs the reference-date transformation: it reads raw
// entities from the raw store, resolves active agreements as of the scope's
// reference date, aggregates consumption over the scope's date range, and
// atomically replaces the derived tables for that scope.
//
// A run is a single-pass batch: resolver, then aggregator, then one replace
// transaction. Row-level problems are excluded and counted in the result;
// a persistence failure aborts the run with prior derived state intact.
type PipelineService struct {
	raw        repository.RawRepository
	analytics  repository.AnalyticsRepository
	resolver   *transform.Resolver
	aggregator *transform.Aggregator
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector
}

// NewPipelineService creates a new pipeline service.
func NewPipelineService(
	raw repository.RawRepository,
	analytics repository.AnalyticsRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *PipelineService {
	resolver := transform.NewResolver()
	return &PipelineService{
		raw:        raw,
		analytics:  analytics,
		resolver:   resolver,
		aggregator: transform.NewAggregator(resolver),
		logger:     logger,
		metrics:    metricsCollector,
	}
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID            string                           `json:"run_id"`
	Scope            models.RunScope                  `json:"scope"`
	ActiveAgreements []models.ActiveAgreement         `json:"active_agreements"`
	HalfHourly       []models.HalfHourlyConsumption   `json:"half_hourly"`
	DailyProduct     []models.DailyProductConsumption `json:"daily_product"`
	Resolution       *transform.ResolutionReport      `json:"resolution"`
	Aggregation      transform.AggregationReport      `json:"aggregation"`
	Duration         time.Duration                    `json:"duration_ns"`
}

// NormalizeScope fills scope defaults and rejects inverted ranges. An empty
// range collapses to the reference date's single day. There is no default
// reference date: the caller always supplies one.
func NormalizeScope(scope models.RunScope) (models.RunScope, error) {
	if scope.ReferenceDate.IsZero() {
		return scope, fmt.Errorf("reference date is required")
	}
	scope.ReferenceDate = models.DayOf(scope.ReferenceDate)

	if scope.Range.Start.IsZero() && scope.Range.End.IsZero() {
		scope.Range = models.DateRange{Start: scope.ReferenceDate, End: scope.ReferenceDate}
	}
	if scope.Range.Start.IsZero() || scope.Range.End.IsZero() {
		return scope, fmt.Errorf("date range must set both start and end")
	}
	scope.Range.Start = models.DayOf(scope.Range.Start)
	scope.Range.End = models.DayOf(scope.Range.End)

	if scope.Range.End.Before(scope.Range.Start) {
		return scope, fmt.Errorf("date range end %s before start %s",
			scope.Range.End.Format("2006-01-02"), scope.Range.Start.Format("2006-01-02"))
	}

	return scope, nil
}

// Run executes the transformation for one scope.
func (s *PipelineService) Run(ctx context.Context, scope models.RunScope) (*RunResult, error) {
	scope, err := NormalizeScope(scope)
	if err != nil {
		return nil, fmt.Errorf("invalid run scope: %w", err)
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	startTime := time.Now()

	s.logger.Info(ctx, "[RUN_START] Starting analytics pipeline run", logging.Fields{
		"reference_date": scope.ReferenceDate.Format("2006-01-02"),
		"range_start":    scope.Range.Start.Format("2006-01-02"),
		"range_end":      scope.Range.End.Format("2006-01-02"),
	})

	result, err := s.run(ctx, runID, scope)
	if err != nil {
		s.metrics.PipelineRunsTotal.WithLabelValues("failure").Inc()
		s.logger.Error(ctx, "[RUN_FAILED] Pipeline run failed", logging.Fields{
			"reference_date": scope.ReferenceDate.Format("2006-01-02"),
		}, err)
		return nil, err
	}

	result.Duration = time.Since(startTime)
	s.metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
	s.metrics.PipelineRunDuration.Observe(result.Duration.Seconds())

	s.logger.Info(ctx, "[RUN_COMPLETE] Pipeline run completed", logging.Fields{
		"active_agreements":    len(result.ActiveAgreements),
		"halfhourly_rows":      len(result.HalfHourly),
		"daily_product_rows":   len(result.DailyProduct),
		"malformed_rows":       result.Aggregation.MalformedRows,
		"out_of_scope_rows":    result.Aggregation.OutOfScopeRows,
		"duplicate_readings":   result.Aggregation.DuplicateReadings,
		"unattributed_buckets": result.Aggregation.UnattributedBuckets,
		"orphaned_agreements":  result.Resolution.OrphanedAgreements,
		"duration_seconds":     result.Duration.Seconds(),
	})

	return result, nil
}

func (s *PipelineService) run(ctx context.Context, runID string, scope models.RunScope) (*RunResult, error) {
	readings, err := s.raw.ListReadings(ctx, scope.Range)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw readings: %w", err)
	}
	agreements, err := s.raw.ListAgreements(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw agreements: %w", err)
	}
	products, err := s.raw.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw products: %w", err)
	}
	meterpoints, err := s.raw.ListMeterpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw meterpoints: %w", err)
	}

	return s.Transform(ctx, runID, scope, readings, agreements, products, meterpoints)
}

// Transform runs the resolver and aggregator over already-materialized raw
// record sets and persists the derived output. Exposed separately so a run
// can also be driven straight from freshly extracted data.
func (s *PipelineService) Transform(
	ctx context.Context,
	runID string,
	scope models.RunScope,
	readings []models.MeterReading,
	agreements []models.Agreement,
	products []models.Product,
	meterpoints []models.Meterpoint,
) (*RunResult, error) {
	scope, err := NormalizeScope(scope)
	if err != nil {
		return nil, fmt.Errorf("invalid run scope: %w", err)
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	resolveTimer := time.Now()
	active, resolution := s.resolver.Resolve(scope.ReferenceDate, agreements, meterpoints, products)
	s.metrics.TransformDuration.WithLabelValues("resolve").Observe(time.Since(resolveTimer).Seconds())

	for _, meterpointID := range resolution.UncoveredMeterpoints {
		s.logger.Debug(ctx, "[RESOLVE_SKIP] Meterpoint has no agreement at reference date", logging.Fields{
			"meterpoint_id":  meterpointID,
			"reference_date": scope.ReferenceDate.Format("2006-01-02"),
		})
	}

	aggregateTimer := time.Now()
	aggregation := s.aggregator.Aggregate(readings, scope.Range, agreements, meterpoints, products)
	s.metrics.TransformDuration.WithLabelValues("aggregate").Observe(time.Since(aggregateTimer).Seconds())

	s.metrics.RecordSkippedRows("malformed", aggregation.Report.MalformedRows)
	s.metrics.RecordSkippedRows("out_of_scope", aggregation.Report.OutOfScopeRows)
	s.metrics.RecordSkippedRows("unattributed", aggregation.Report.UnattributedBuckets)
	s.metrics.RecordSkippedRows("orphaned_agreement", resolution.OrphanedAgreements)

	if err := s.analytics.ReplaceDerived(ctx, scope, active, aggregation.HalfHourly, aggregation.Daily); err != nil {
		// Fatal by contract: prior derived state is left untouched.
		return nil, fmt.Errorf("analytics replace failed: %w", err)
	}

	return &RunResult{
		RunID:            runID,
		Scope:            scope,
		ActiveAgreements: active,
		HalfHourly:       aggregation.HalfHourly,
		DailyProduct:     aggregation.Daily,
		Resolution:       resolution,
		Aggregation:      aggregation.Report,
	}, nil
}
