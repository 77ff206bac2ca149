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

// RawRepository provides access to the raw record store: ingested entities
// persisted verbatim for traceability. The transformation core only reads
// from it; writes happen during ingestion.
type RawRepository interface {
	InsertReadingsBatch(ctx context.Context, readings []models.MeterReading) error
	ReplaceReferenceData(ctx context.Context, agreements []models.Agreement, products []models.Product, meterpoints []models.Meterpoint) error

	ListReadings(ctx context.Context, dateRange models.DateRange) ([]models.MeterReading, error)
	ListAgreements(ctx context.Context) ([]models.Agreement, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	ListMeterpoints(ctx context.Context) ([]models.Meterpoint, error)

	LatestReadingTimestamp(ctx context.Context) (*time.Time, error)
}

// rawRepository implements RawRepository against the raw_data schema.
type rawRepository struct {
	db      *database.PostgresDB
	schema  string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewRawRepository creates a new raw record store repository.
func NewRawRepository(db *database.PostgresDB, schema string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) RawRepository {
	return &rawRepository{
		db:      db,
		schema:  schema,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// InsertReadingsBatch appends readings to the raw store in one transaction.
// The raw table carries no unique constraint: duplicate feed rows are kept
// as received, and deduplication is the aggregator's concern.
func (r *rawRepository) InsertReadingsBatch(ctx context.Context, readings []models.MeterReading) error {
	if len(readings) == 0 {
		return nil
	}

	timer := time.Now()
	defer func() {
		r.metrics.IngestionBatchSize.Observe(float64(len(readings)))
		r.logger.Debug(ctx, "[RAW_BATCH_INSERT] Readings batch inserted", logging.Fields{
			"count":       len(readings),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.meter_readings (meterpoint_id, interval_start, consumption_kwh, loaded_at)
		VALUES ($1, $2, $3, $4)
	`, r.schema))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	loadedAt := time.Now().UTC()
	for _, reading := range readings {
		_, err := stmt.ExecContext(ctx,
			reading.MeterpointID,
			reading.IntervalStart,
			reading.ConsumptionKWh,
			loadedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.IngestionRecordsTotal.Add(float64(len(readings)))

	return nil
}

// ReplaceReferenceData replaces the three reference tables wholesale in one
// transaction. Reference data is small and re-extracted on every ingestion.
func (r *rawRepository) ReplaceReferenceData(
	ctx context.Context,
	agreements []models.Agreement,
	products []models.Product,
	meterpoints []models.Meterpoint,
) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	loadedAt := time.Now().UTC()

	for _, table := range []string{"agreements", "products", "meterpoints"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s.%s", r.schema, table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, ag := range agreements {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.agreements (agreement_id, meterpoint_id, product_id, account_id, valid_from, valid_to, loaded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.schema),
			ag.AgreementID, ag.MeterpointID, ag.ProductID, ag.AccountID, ag.ValidFrom, ag.ValidTo, loadedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert agreement %s: %w", ag.AgreementID, err)
		}
	}

	for _, p := range products {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.products (product_id, display_name, is_variable, loaded_at)
			VALUES ($1, $2, $3, $4)
		`, r.schema),
			p.ProductID, p.DisplayName, p.IsVariable, loadedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert product %s: %w", p.ProductID, err)
		}
	}

	for _, mp := range meterpoints {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.meterpoints (meterpoint_id, region, loaded_at)
			VALUES ($1, $2, $3)
		`, r.schema),
			mp.MeterpointID, mp.Region, loadedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert meterpoint %s: %w", mp.MeterpointID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info(ctx, "[RAW_REFERENCE_REPLACED] Reference tables replaced", logging.Fields{
		"agreements":  len(agreements),
		"products":    len(products),
		"meterpoints": len(meterpoints),
	})

	return nil
}

// ListReadings returns raw readings whose interval falls on a day inside
// the range.
func (r *rawRepository) ListReadings(ctx context.Context, dateRange models.DateRange) ([]models.MeterReading, error) {
	query := fmt.Sprintf(`
		SELECT meterpoint_id, interval_start, consumption_kwh
		FROM %s.meter_readings
		WHERE interval_start >= $1 AND interval_start < $2
		ORDER BY interval_start, meterpoint_id
	`, r.schema)

	start := models.DayOf(dateRange.Start)
	end := models.DayOf(dateRange.End).AddDate(0, 0, 1)

	var readings []models.MeterReading
	if err := r.db.SelectContext(ctx, "list_raw_readings", &readings, query, start, end); err != nil {
		return nil, fmt.Errorf("failed to list raw readings: %w", err)
	}

	return readings, nil
}

// ListAgreements returns all raw agreements.
func (r *rawRepository) ListAgreements(ctx context.Context) ([]models.Agreement, error) {
	query := fmt.Sprintf(`
		SELECT agreement_id, meterpoint_id, product_id, account_id, valid_from, valid_to
		FROM %s.agreements
		ORDER BY agreement_id
	`, r.schema)

	var agreements []models.Agreement
	if err := r.db.SelectContext(ctx, "list_raw_agreements", &agreements, query); err != nil {
		return nil, fmt.Errorf("failed to list raw agreements: %w", err)
	}

	return agreements, nil
}

// ListProducts returns all raw products.
func (r *rawRepository) ListProducts(ctx context.Context) ([]models.Product, error) {
	query := fmt.Sprintf(`
		SELECT product_id, display_name, is_variable
		FROM %s.products
		ORDER BY product_id
	`, r.schema)

	var products []models.Product
	if err := r.db.SelectContext(ctx, "list_raw_products", &products, query); err != nil {
		return nil, fmt.Errorf("failed to list raw products: %w", err)
	}

	return products, nil
}

// ListMeterpoints returns all raw meterpoints.
func (r *rawRepository) ListMeterpoints(ctx context.Context) ([]models.Meterpoint, error) {
	query := fmt.Sprintf(`
		SELECT meterpoint_id, region
		FROM %s.meterpoints
		ORDER BY meterpoint_id
	`, r.schema)

	var meterpoints []models.Meterpoint
	if err := r.db.SelectContext(ctx, "list_raw_meterpoints", &meterpoints, query); err != nil {
		return nil, fmt.Errorf("failed to list raw meterpoints: %w", err)
	}

	return meterpoints, nil
}

// LatestReadingTimestamp returns the most recent interval_start in the raw
// store, or nil when the store is empty. Used for incremental ingestion.
func (r *rawRepository) LatestReadingTimestamp(ctx context.Context) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT MAX(interval_start) FROM %s.meter_readings`, r.schema)

	var latest *time.Time
	if err := r.db.GetContext(ctx, "latest_raw_reading", &latest, query); err != nil {
		return nil, fmt.Errorf("failed to get latest reading timestamp: %w", err)
	}

	return latest, nil
}
