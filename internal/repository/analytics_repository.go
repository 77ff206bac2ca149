package repository

import (
	"context"
	"fmt"
	"time"

	"meter-analytics/internal/models"
	"meter-analytics/pkg/database"
	"meter-analytics/pkg/logging"
	"meter-analytics/pkg/metrics"
)

// AnalyticsRepository persists and serves the derived analytics tables.
//
// ReplaceDerived is the idempotent writer: within one serializable
// transaction it deletes every derived row belonging to the run's scope and
// inserts the new set. A rerun with identical inputs therefore leaves the
// store byte-identical, and a failed run leaves the prior state untouched.
type AnalyticsRepository interface {
	ReplaceDerived(
		ctx context.Context,
		scope models.RunScope,
		active []models.ActiveAgreement,
		halfHourly []models.HalfHourlyConsumption,
		daily []models.DailyProductConsumption,
	) error

	GetActiveAgreements(ctx context.Context, filter ActiveAgreementFilter) ([]models.ActiveAgreement, int, error)
	GetHalfHourlyConsumption(ctx context.Context, filter ConsumptionFilter) ([]models.HalfHourlyConsumption, int, error)
	GetDailyProductConsumption(ctx context.Context, filter DailyConsumptionFilter) ([]models.DailyProductConsumption, int, error)

	HealthCheck(ctx context.Context) error
}

// ActiveAgreementFilter defines filters for querying active agreements
type ActiveAgreementFilter struct {
	ReferenceDate *time.Time
	ProductID     *string
	MeterpointID  *string
	Limit         int
	Offset        int
}

// ConsumptionFilter defines filters for querying half-hourly consumption
type ConsumptionFilter struct {
	MeterpointID *string
	Start        *time.Time
	End          *time.Time
	Limit        int
	Offset       int
}

// DailyConsumptionFilter defines filters for querying daily product consumption
type DailyConsumptionFilter struct {
	ProductID *string
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// analyticsRepository implements AnalyticsRepository against the analytics schema.
type analyticsRepository struct {
	db      *database.PostgresDB
	schema  string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewAnalyticsRepository creates a new analytics repository.
func NewAnalyticsRepository(db *database.PostgresDB, schema string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) AnalyticsRepository {
	return &analyticsRepository{
		db:      db,
		schema:  schema,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ReplaceDerived atomically replaces the derived rows for the given scope.
// Scope boundaries: active_agreements rows keyed to the reference date;
// consumption rows dated inside the run's range.
func (r *analyticsRepository) ReplaceDerived(
	ctx context.Context,
	scope models.RunScope,
	active []models.ActiveAgreement,
	halfHourly []models.HalfHourlyConsumption,
	daily []models.DailyProductConsumption,
) error {
	timer := time.Now()
	defer func() {
		r.metrics.AnalyticsReplaceTime.Observe(time.Since(timer).Seconds())
	}()

	referenceDate := models.DayOf(scope.ReferenceDate)
	rangeStart := models.DayOf(scope.Range.Start)
	rangeEnd := models.DayOf(scope.Range.End).AddDate(0, 0, 1)

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Clear the exact scope before inserting. Stale rows from a prior
	// differing run of the same scope must not survive.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.active_agreements WHERE reference_date = $1
	`, r.schema), referenceDate); err != nil {
		return fmt.Errorf("failed to clear active agreements: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.halfhourly_consumption WHERE bucket_start >= $1 AND bucket_start < $2
	`, r.schema), rangeStart, rangeEnd); err != nil {
		return fmt.Errorf("failed to clear half-hourly consumption: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.daily_product_consumption WHERE date >= $1 AND date < $2
	`, r.schema), rangeStart, rangeEnd); err != nil {
		return fmt.Errorf("failed to clear daily product consumption: %w", err)
	}

	loadedAt := time.Now().UTC()

	activeStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.active_agreements
			(meterpoint_id, agreement_id, product_id, product_display_name, is_variable, reference_date, loaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.schema))
	if err != nil {
		return fmt.Errorf("failed to prepare active agreements insert: %w", err)
	}
	defer activeStmt.Close()

	for _, aa := range active {
		_, err := activeStmt.ExecContext(ctx,
			aa.MeterpointID, aa.AgreementID, aa.ProductID,
			aa.ProductDisplayName, aa.IsVariable, referenceDate, loadedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert active agreement for %s: %w", aa.MeterpointID, err)
		}
	}

	halfHourlyStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.halfhourly_consumption (meterpoint_id, bucket_start, consumption_kwh, loaded_at)
		VALUES ($1, $2, $3, $4)
	`, r.schema))
	if err != nil {
		return fmt.Errorf("failed to prepare half-hourly insert: %w", err)
	}
	defer halfHourlyStmt.Close()

	for _, hh := range halfHourly {
		_, err := halfHourlyStmt.ExecContext(ctx,
			hh.MeterpointID, hh.BucketStart, hh.ConsumptionKWh, loadedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert half-hourly bucket for %s: %w", hh.MeterpointID, err)
		}
	}

	dailyStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.daily_product_consumption (product_id, date, meterpoint_count, total_kwh, loaded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.schema))
	if err != nil {
		return fmt.Errorf("failed to prepare daily insert: %w", err)
	}
	defer dailyStmt.Close()

	for _, d := range daily {
		_, err := dailyStmt.ExecContext(ctx,
			d.ProductID, d.Date, d.MeterpointCount, d.TotalKWh, loadedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert daily consumption for %s: %w", d.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.DerivedRowsWritten.WithLabelValues("active_agreements").Add(float64(len(active)))
	r.metrics.DerivedRowsWritten.WithLabelValues("halfhourly_consumption").Add(float64(len(halfHourly)))
	r.metrics.DerivedRowsWritten.WithLabelValues("daily_product_consumption").Add(float64(len(daily)))

	r.logger.Info(ctx, "[ANALYTICS_REPLACED] Derived tables replaced for scope", logging.Fields{
		"reference_date":      referenceDate.Format("2006-01-02"),
		"range_start":         rangeStart.Format("2006-01-02"),
		"range_end":           scope.Range.End.Format("2006-01-02"),
		"active_agreements":   len(active),
		"halfhourly_rows":     len(halfHourly),
		"daily_product_rows":  len(daily),
		"replace_duration_ms": time.Since(timer).Milliseconds(),
	})

	return nil
}

// GetActiveAgreements retrieves active agreements with filtering and pagination
func (r *analyticsRepository) GetActiveAgreements(ctx context.Context, filter ActiveAgreementFilter) ([]models.ActiveAgreement, int, error) {
	query := fmt.Sprintf(`
		SELECT meterpoint_id, agreement_id, product_id, product_display_name, is_variable, reference_date
		FROM %s.active_agreements
		WHERE 1=1
	`, r.schema)
	args := []interface{}{}
	argNum := 1

	if filter.ReferenceDate != nil {
		query += fmt.Sprintf(" AND reference_date = $%d", argNum)
		args = append(args, models.DayOf(*filter.ReferenceDate))
		argNum++
	}

	if filter.ProductID != nil {
		query += fmt.Sprintf(" AND product_id = $%d", argNum)
		args = append(args, *filter.ProductID)
		argNum++
	}

	if filter.MeterpointID != nil {
		query += fmt.Sprintf(" AND meterpoint_id = $%d", argNum)
		args = append(args, *filter.MeterpointID)
		argNum++
	}

	totalCount, err := r.count(ctx, "count_active_agreements", query, args)
	if err != nil {
		return nil, 0, err
	}

	query += " ORDER BY reference_date DESC, meterpoint_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var agreements []models.ActiveAgreement
	if err := r.db.SelectContext(ctx, "get_active_agreements", &agreements, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to get active agreements: %w", err)
	}

	return agreements, totalCount, nil
}

// GetHalfHourlyConsumption retrieves half-hourly buckets with filtering and pagination
func (r *analyticsRepository) GetHalfHourlyConsumption(ctx context.Context, filter ConsumptionFilter) ([]models.HalfHourlyConsumption, int, error) {
	query := fmt.Sprintf(`
		SELECT meterpoint_id, bucket_start, consumption_kwh
		FROM %s.halfhourly_consumption
		WHERE 1=1
	`, r.schema)
	args := []interface{}{}
	argNum := 1

	if filter.MeterpointID != nil {
		query += fmt.Sprintf(" AND meterpoint_id = $%d", argNum)
		args = append(args, *filter.MeterpointID)
		argNum++
	}

	if filter.Start != nil {
		query += fmt.Sprintf(" AND bucket_start >= $%d", argNum)
		args = append(args, *filter.Start)
		argNum++
	}

	if filter.End != nil {
		query += fmt.Sprintf(" AND bucket_start <= $%d", argNum)
		args = append(args, *filter.End)
		argNum++
	}

	totalCount, err := r.count(ctx, "count_halfhourly", query, args)
	if err != nil {
		return nil, 0, err
	}

	query += " ORDER BY bucket_start, meterpoint_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var buckets []models.HalfHourlyConsumption
	if err := r.db.SelectContext(ctx, "get_halfhourly", &buckets, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to get half-hourly consumption: %w", err)
	}

	return buckets, totalCount, nil
}

// GetDailyProductConsumption retrieves daily roll-ups with filtering and pagination
func (r *analyticsRepository) GetDailyProductConsumption(ctx context.Context, filter DailyConsumptionFilter) ([]models.DailyProductConsumption, int, error) {
	query := fmt.Sprintf(`
		SELECT product_id, date, meterpoint_count, total_kwh
		FROM %s.daily_product_consumption
		WHERE 1=1
	`, r.schema)
	args := []interface{}{}
	argNum := 1

	if filter.ProductID != nil {
		query += fmt.Sprintf(" AND product_id = $%d", argNum)
		args = append(args, *filter.ProductID)
		argNum++
	}

	if filter.Start != nil {
		query += fmt.Sprintf(" AND date >= $%d", argNum)
		args = append(args, models.DayOf(*filter.Start))
		argNum++
	}

	if filter.End != nil {
		query += fmt.Sprintf(" AND date <= $%d", argNum)
		args = append(args, models.DayOf(*filter.End))
		argNum++
	}

	totalCount, err := r.count(ctx, "count_daily_product", query, args)
	if err != nil {
		return nil, 0, err
	}

	query += " ORDER BY date DESC, product_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var rows []models.DailyProductConsumption
	if err := r.db.SelectContext(ctx, "get_daily_product", &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to get daily product consumption: %w", err)
	}

	return rows, totalCount, nil
}

func (r *analyticsRepository) count(ctx context.Context, queryType, query string, args []interface{}) (int, error) {
	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var total int
	if err := r.db.GetContext(ctx, queryType, &total, countQuery, args...); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return total, nil
}

// HealthCheck performs a repository health check
func (r *analyticsRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}
