package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BucketSize is the fixed interval readings are reported and aggregated at.
const BucketSize = 30 * time.Minute

// MeterReading is a single validated half-hour interval reading.
type MeterReading struct {
	MeterpointID   string          `json:"meterpoint_id" db:"meterpoint_id"`
	IntervalStart  time.Time       `json:"interval_start" db:"interval_start"`
	ConsumptionKWh decimal.Decimal `json:"consumption_kwh" db:"consumption_kwh"`
}

// Agreement represents a contract interval linking a meterpoint to a product.
// ValidTo is nil for open-ended agreements.
type Agreement struct {
	AgreementID  string     `json:"agreement_id" db:"agreement_id"`
	MeterpointID string     `json:"meterpoint_id" db:"meterpoint_id"`
	ProductID    string     `json:"product_id" db:"product_id"`
	AccountID    string     `json:"account_id" db:"account_id"`
	ValidFrom    time.Time  `json:"valid_from" db:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty" db:"valid_to"`
}

// ActiveOn reports whether the agreement is in force on the given day.
// Containment is half-open: valid_from <= day < valid_to. Open-ended
// agreements (nil ValidTo) remain in force indefinitely.
func (a *Agreement) ActiveOn(day time.Time) bool {
	day = DayOf(day)
	if DayOf(a.ValidFrom).After(day) {
		return false
	}
	if a.ValidTo == nil {
		return true
	}
	return day.Before(DayOf(*a.ValidTo))
}

// Product is static tariff reference data.
type Product struct {
	ProductID   string `json:"product_id" db:"product_id"`
	DisplayName string `json:"display_name" db:"display_name"`
	IsVariable  bool   `json:"is_variable" db:"is_variable"`
}

// Meterpoint is static meterpoint reference data.
type Meterpoint struct {
	MeterpointID string `json:"meterpoint_id" db:"meterpoint_id"`
	Region       string `json:"region" db:"region"`
}

// ActiveAgreement is the single agreement selected as in force for a
// meterpoint on a reference date, enriched with product attributes.
// One row per meterpoint per reference date.
type ActiveAgreement struct {
	MeterpointID       string    `json:"meterpoint_id" db:"meterpoint_id"`
	AgreementID        string    `json:"agreement_id" db:"agreement_id"`
	ProductID          string    `json:"product_id" db:"product_id"`
	ProductDisplayName string    `json:"product_display_name" db:"product_display_name"`
	IsVariable         bool      `json:"is_variable" db:"is_variable"`
	ReferenceDate      time.Time `json:"reference_date" db:"reference_date"`
}

// HalfHourlyConsumption is total consumption for one meterpoint in one
// half-hour bucket. Unique key: (meterpoint_id, bucket_start).
type HalfHourlyConsumption struct {
	MeterpointID   string          `json:"meterpoint_id" db:"meterpoint_id"`
	BucketStart    time.Time       `json:"bucket_start" db:"bucket_start"`
	ConsumptionKWh decimal.Decimal `json:"consumption_kwh" db:"consumption_kwh"`
}

// DailyProductConsumption is the daily roll-up of half-hourly consumption
// attributed to a product. Unique key: (product_id, date).
type DailyProductConsumption struct {
	ProductID       string          `json:"product_id" db:"product_id"`
	Date            time.Time       `json:"date" db:"date"`
	MeterpointCount int             `json:"meterpoint_count" db:"meterpoint_count"`
	TotalKWh        decimal.Decimal `json:"total_kwh" db:"total_kwh"`
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether the given instant falls on a day within the range.
func (r DateRange) Contains(t time.Time) bool {
	day := DayOf(t)
	return !day.Before(DayOf(r.Start)) && !day.After(DayOf(r.End))
}

// Days returns every calendar day in the range, in order.
func (r DateRange) Days() []time.Time {
	var days []time.Time
	for d := DayOf(r.Start); !d.After(DayOf(r.End)); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// RunScope identifies one pipeline invocation: the reference date the
// active-agreement table is anchored to, and the inclusive date range the
// consumption tables cover. Derived rows for exactly this scope are
// replaced on each run.
type RunScope struct {
	ReferenceDate time.Time `json:"reference_date"`
	Range         DateRange `json:"range"`
}

// DayOf truncates an instant to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AlignedToBucket reports whether an instant sits exactly on a half-hour
// boundary.
func AlignedToBucket(t time.Time) bool {
	return t.UTC().Truncate(BucketSize).Equal(t.UTC())
}
