package extract

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"meter-analytics/internal/models"
	"meter-analytics/pkg/logging"
)

// SQLiteReferenceReader loads the contract reference tables (agreement,
// product, meterpoint) from the case-study SQLite database.
type SQLiteReferenceReader struct {
	path   string
	logger *logging.StructuredLogger
}

// NewSQLiteReferenceReader creates a reader for the given database file.
func NewSQLiteReferenceReader(path string, logger *logging.StructuredLogger) *SQLiteReferenceReader {
	return &SQLiteReferenceReader{
		path:   path,
		logger: logger,
	}
}

// ReferenceData bundles the three reference record sets.
type ReferenceData struct {
	Agreements  []models.Agreement
	Products    []models.Product
	Meterpoints []models.Meterpoint
}

// Read loads all three reference tables.
func (r *SQLiteReferenceReader) Read(ctx context.Context) (*ReferenceData, error) {
	if _, err := os.Stat(r.path); err != nil {
		return nil, fmt.Errorf("reference database not found: %w", err)
	}

	db, err := sql.Open("sqlite3", r.path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open reference database: %w", err)
	}
	defer db.Close()

	data := &ReferenceData{}

	if data.Agreements, err = r.readAgreements(ctx, db); err != nil {
		return nil, err
	}
	if data.Products, err = r.readProducts(ctx, db); err != nil {
		return nil, err
	}
	if data.Meterpoints, err = r.readMeterpoints(ctx, db); err != nil {
		return nil, err
	}

	r.logger.Info(ctx, "[EXTRACT_REFERENCE] Reference tables loaded", logging.Fields{
		"db_path":     r.path,
		"agreements":  len(data.Agreements),
		"products":    len(data.Products),
		"meterpoints": len(data.Meterpoints),
	})

	return data, nil
}

func (r *SQLiteReferenceReader) readAgreements(ctx context.Context, db *sql.DB) ([]models.Agreement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT agreement_id, meterpoint_id, product_id, account_id,
		       agreement_valid_from, agreement_valid_to
		FROM agreement
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read agreement table: %w", err)
	}
	defer rows.Close()

	var agreements []models.Agreement
	for rows.Next() {
		var (
			ag      models.Agreement
			from    string
			to      sql.NullString
			account sql.NullString
		)
		if err := rows.Scan(&ag.AgreementID, &ag.MeterpointID, &ag.ProductID, &account, &from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan agreement row: %w", err)
		}

		ag.AccountID = account.String

		if ag.ValidFrom, err = parseSQLiteDate(from); err != nil {
			return nil, fmt.Errorf("agreement %s: invalid valid_from: %w", ag.AgreementID, err)
		}
		if to.Valid && strings.TrimSpace(to.String) != "" {
			validTo, err := parseSQLiteDate(to.String)
			if err != nil {
				return nil, fmt.Errorf("agreement %s: invalid valid_to: %w", ag.AgreementID, err)
			}
			ag.ValidTo = &validTo
		}

		agreements = append(agreements, ag)
	}

	return agreements, rows.Err()
}

func (r *SQLiteReferenceReader) readProducts(ctx context.Context, db *sql.DB) ([]models.Product, error) {
	rows, err := db.QueryContext(ctx, `SELECT product_id, display_name, is_variable FROM product`)
	if err != nil {
		return nil, fmt.Errorf("failed to read product table: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ProductID, &p.DisplayName, &p.IsVariable); err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products = append(products, p)
	}

	return products, rows.Err()
}

func (r *SQLiteReferenceReader) readMeterpoints(ctx context.Context, db *sql.DB) ([]models.Meterpoint, error) {
	rows, err := db.QueryContext(ctx, `SELECT meterpoint_id, region FROM meterpoint`)
	if err != nil {
		return nil, fmt.Errorf("failed to read meterpoint table: %w", err)
	}
	defer rows.Close()

	var meterpoints []models.Meterpoint
	for rows.Next() {
		var mp models.Meterpoint
		if err := rows.Scan(&mp.MeterpointID, &mp.Region); err != nil {
			return nil, fmt.Errorf("failed to scan meterpoint row: %w", err)
		}
		meterpoints = append(meterpoints, mp)
	}

	return meterpoints, rows.Err()
}

var sqliteDateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func parseSQLiteDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range sqliteDateLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}
