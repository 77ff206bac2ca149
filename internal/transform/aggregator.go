package transform

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"meter-analytics/internal/models"
)

// Aggregator buckets raw readings into half-hour windows and rolls them up
// to daily totals per product. Attribution of a bucket to a product goes
// through the resolver, invoked once per distinct date present in the
// reading set.
type Aggregator struct {
	resolver *Resolver
}

// NewAggregator creates a new consumption aggregator.
func NewAggregator(resolver *Resolver) *Aggregator {
	return &Aggregator{resolver: resolver}
}

// AggregationReport summarizes row-level outcomes of an aggregation pass.
type AggregationReport struct {
	TotalReadings       int
	ValidReadings       int
	MalformedRows       int
	OutOfScopeRows      int
	DuplicateReadings   int
	UnattributedBuckets int
	Failures            []string
}

// AggregationResult holds the derived consumption tables for one run scope.
type AggregationResult struct {
	HalfHourly []models.HalfHourlyConsumption
	Daily      []models.DailyProductConsumption
	Report     AggregationReport
}

type bucketKey struct {
	meterpointID string
	bucketStart  time.Time
}

// Aggregate derives HalfHourlyConsumption and DailyProductConsumption from
// raw readings dated within scope.
//
// Readings sharing an identical (meterpoint_id, bucket_start) are summed
// into one bucket; summation, not overwrite, is the duplicate-ingestion
// policy. Malformed rows are excluded and reported per row. Buckets whose
// meterpoint has no active agreement on the bucket's date remain in the
// half-hourly table but are excluded from the daily roll-up.
//
// The daily table is computed strictly from the half-hourly buckets, never
// from the readings again, so the two tables sum to the same totals.
func (a *Aggregator) Aggregate(
	readings []models.MeterReading,
	scope models.DateRange,
	agreements []models.Agreement,
	meterpoints []models.Meterpoint,
	products []models.Product,
) *AggregationResult {
	result := &AggregationResult{}
	report := &result.Report
	report.TotalReadings = len(readings)

	buckets := make(map[bucketKey]decimal.Decimal)

	for i := range readings {
		reading := &readings[i]
		if verr := reading.Validate(); verr != nil {
			report.MalformedRows++
			report.Failures = append(report.Failures,
				fmt.Sprintf("row %d: %s (value %q)", i, verr.Message, verr.Value))
			continue
		}
		if !scope.Contains(reading.IntervalStart) {
			report.OutOfScopeRows++
			continue
		}

		report.ValidReadings++

		key := bucketKey{
			meterpointID: reading.MeterpointID,
			bucketStart:  reading.IntervalStart.UTC(),
		}
		if existing, ok := buckets[key]; ok {
			report.DuplicateReadings++
			buckets[key] = existing.Add(reading.ConsumptionKWh)
		} else {
			buckets[key] = reading.ConsumptionKWh
		}
	}

	result.HalfHourly = make([]models.HalfHourlyConsumption, 0, len(buckets))
	for key, total := range buckets {
		result.HalfHourly = append(result.HalfHourly, models.HalfHourlyConsumption{
			MeterpointID:   key.meterpointID,
			BucketStart:    key.bucketStart,
			ConsumptionKWh: total,
		})
	}
	sort.Slice(result.HalfHourly, func(i, j int) bool {
		hi, hj := result.HalfHourly[i], result.HalfHourly[j]
		if !hi.BucketStart.Equal(hj.BucketStart) {
			return hi.BucketStart.Before(hj.BucketStart)
		}
		return hi.MeterpointID < hj.MeterpointID
	})

	result.Daily = a.rollUpDaily(result.HalfHourly, agreements, meterpoints, products, report)

	return result
}

type productDay struct {
	productID string
	day       time.Time
}

// rollUpDaily groups half-hourly buckets by (product, date), attributing
// each bucket via the agreement active for its meterpoint on its date.
func (a *Aggregator) rollUpDaily(
	halfHourly []models.HalfHourlyConsumption,
	agreements []models.Agreement,
	meterpoints []models.Meterpoint,
	products []models.Product,
	report *AggregationReport,
) []models.DailyProductConsumption {
	// One resolver pass per distinct date in the bucket set.
	activeByDay := make(map[time.Time]map[string]models.ActiveAgreement)
	for _, bucket := range halfHourly {
		day := models.DayOf(bucket.BucketStart)
		if _, ok := activeByDay[day]; ok {
			continue
		}
		active, _ := a.resolver.Resolve(day, agreements, meterpoints, products)
		byMeterpoint := make(map[string]models.ActiveAgreement, len(active))
		for _, aa := range active {
			byMeterpoint[aa.MeterpointID] = aa
		}
		activeByDay[day] = byMeterpoint
	}

	totals := make(map[productDay]decimal.Decimal)
	contributors := make(map[productDay]map[string]struct{})

	for _, bucket := range halfHourly {
		day := models.DayOf(bucket.BucketStart)
		active, ok := activeByDay[day][bucket.MeterpointID]
		if !ok {
			report.UnattributedBuckets++
			continue
		}

		key := productDay{productID: active.ProductID, day: day}
		totals[key] = totals[key].Add(bucket.ConsumptionKWh)
		if contributors[key] == nil {
			contributors[key] = make(map[string]struct{})
		}
		contributors[key][bucket.MeterpointID] = struct{}{}
	}

	daily := make([]models.DailyProductConsumption, 0, len(totals))
	for key, total := range totals {
		daily = append(daily, models.DailyProductConsumption{
			ProductID:       key.productID,
			Date:            key.day,
			MeterpointCount: len(contributors[key]),
			TotalKWh:        total,
		})
	}
	sort.Slice(daily, func(i, j int) bool {
		di, dj := daily[i], daily[j]
		if !di.Date.Equal(dj.Date) {
			return di.Date.Before(dj.Date)
		}
		return di.ProductID < dj.ProductID
	})

	return daily
}
