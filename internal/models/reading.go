package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Timestamp layouts accepted at the ingestion boundary. The readings feed
// writes "2021-01-01 00:00:00"; RFC3339 is accepted for tooling that
// re-exports the feed.
var readingTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseReading converts one raw readings-feed row into a typed MeterReading.
// Only representation is checked here: the timestamp and the consumption
// value must parse. Domain rules (alignment, sign, identity) are enforced
// later by Validate, so that rows land in the raw store as received.
func ParseReading(meterpointID, intervalStart, consumptionDelta string) (*MeterReading, error) {
	ts, err := parseReadingTime(intervalStart)
	if err != nil {
		return nil, &ValidationError{
			Field:   "interval_start",
			Value:   intervalStart,
			Message: "invalid timestamp format",
		}
	}

	consumption, err := decimal.NewFromString(strings.TrimSpace(consumptionDelta))
	if err != nil {
		return nil, &ValidationError{
			Field:   "consumption_delta",
			Value:   consumptionDelta,
			Message: "invalid consumption value",
		}
	}

	return &MeterReading{
		MeterpointID:   strings.TrimSpace(meterpointID),
		IntervalStart:  ts.UTC(),
		ConsumptionKWh: consumption,
	}, nil
}

// Validate enforces the domain rules a reading must satisfy before it may
// enter aggregation: a meterpoint id, a timestamp on a half-hour boundary,
// and non-negative consumption.
func (r *MeterReading) Validate() *ValidationError {
	if strings.TrimSpace(r.MeterpointID) == "" {
		return &ValidationError{
			Field:   "meterpoint_id",
			Value:   r.MeterpointID,
			Message: "missing meterpoint_id",
		}
	}

	if !AlignedToBucket(r.IntervalStart) {
		return &ValidationError{
			Field:   "interval_start",
			Value:   r.IntervalStart.Format(time.RFC3339),
			Message: "timestamp not aligned to a half-hour boundary",
		}
	}

	if r.ConsumptionKWh.IsNegative() {
		return &ValidationError{
			Field:   "consumption_kwh",
			Value:   r.ConsumptionKWh.String(),
			Message: "negative consumption",
		}
	}

	return nil
}

func parseReadingTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range readingTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// ValidationError represents a row-level data validation failure. Rows that
// fail validation are excluded and counted, never fatal for a batch.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
