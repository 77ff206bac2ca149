package transform

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter-analytics/internal/models"
)

func kwh(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func reading(meterpointID string, ts time.Time, consumption string) models.MeterReading {
	return models.MeterReading{
		MeterpointID:   meterpointID,
		IntervalStart:  ts,
		ConsumptionKWh: kwh(consumption),
	}
}

func singleDayScope(d time.Time) models.DateRange {
	return models.DateRange{Start: d, End: d}
}

func newTestAggregator() *Aggregator {
	return NewAggregator(NewResolver())
}

// Two readings for the same meterpoint and bucket collapse into one bucket
// holding their sum, and the daily roll-up carries the same total.
func TestAggregator_DuplicateReadingsSummed(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{AgreementID: "A1", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
	}
	bucket := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	readings := []models.MeterReading{
		reading("MP001", bucket, "1.5"),
		reading("MP001", bucket, "0.5"),
	}

	result := newTestAggregator().Aggregate(readings, singleDayScope(day(2021, 1, 1)), agreements, meterpoints, products)

	require.Len(t, result.HalfHourly, 1)
	assert.Equal(t, "MP001", result.HalfHourly[0].MeterpointID)
	assert.True(t, result.HalfHourly[0].BucketStart.Equal(bucket))
	assert.True(t, result.HalfHourly[0].ConsumptionKWh.Equal(kwh("2.0")),
		"got %s", result.HalfHourly[0].ConsumptionKWh)

	require.Len(t, result.Daily, 1)
	assert.Equal(t, "P1", result.Daily[0].ProductID)
	assert.True(t, result.Daily[0].Date.Equal(day(2021, 1, 1)))
	assert.True(t, result.Daily[0].TotalKWh.Equal(kwh("2.0")))
	assert.Equal(t, 1, result.Daily[0].MeterpointCount)

	assert.Equal(t, 1, result.Report.DuplicateReadings)
	assert.Equal(t, 2, result.Report.ValidReadings)
}

// A meterpoint whose only agreement expired before the reading's date keeps
// its half-hourly buckets but never reaches the daily table.
func TestAggregator_UncoveredMeterpointExcludedFromDaily(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A2",
			MeterpointID: "MP002",
			ProductID:    "P1",
			ValidFrom:    day(2019, 1, 1),
			ValidTo:      datePtr(day(2020, 1, 1)),
		},
	}
	readings := []models.MeterReading{
		reading("MP002", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), "3.25"),
	}

	result := newTestAggregator().Aggregate(readings, singleDayScope(day(2021, 1, 1)), agreements, meterpoints, products)

	require.Len(t, result.HalfHourly, 1)
	assert.Equal(t, "MP002", result.HalfHourly[0].MeterpointID)
	assert.Empty(t, result.Daily)
	assert.Equal(t, 1, result.Report.UnattributedBuckets)
}

func TestAggregator_MalformedRowsExcludedAndCounted(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{AgreementID: "A1", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
	}
	readings := []models.MeterReading{
		reading("MP001", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), "1.0"),
		reading("", time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC), "1.0"),
		reading("MP001", time.Date(2021, 1, 1, 0, 17, 0, 0, time.UTC), "1.0"),
		reading("MP001", time.Date(2021, 1, 1, 1, 0, 0, 0, time.UTC), "-2.0"),
	}

	result := newTestAggregator().Aggregate(readings, singleDayScope(day(2021, 1, 1)), agreements, meterpoints, products)

	assert.Equal(t, 4, result.Report.TotalReadings)
	assert.Equal(t, 1, result.Report.ValidReadings)
	assert.Equal(t, 3, result.Report.MalformedRows)
	assert.Len(t, result.Report.Failures, 3)

	require.Len(t, result.HalfHourly, 1)
	assert.True(t, result.HalfHourly[0].ConsumptionKWh.Equal(kwh("1.0")))
}

func TestAggregator_OutOfScopeRowsCounted(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{AgreementID: "A1", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
	}
	readings := []models.MeterReading{
		reading("MP001", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), "1.0"),
		reading("MP001", time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC), "9.0"),
	}

	result := newTestAggregator().Aggregate(readings, singleDayScope(day(2021, 1, 1)), agreements, meterpoints, products)

	assert.Equal(t, 1, result.Report.OutOfScopeRows)
	require.Len(t, result.HalfHourly, 1)
	assert.True(t, result.HalfHourly[0].BucketStart.Equal(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)))
}

// Per (product, date), the daily total must equal the sum of the half-hourly
// buckets attributed to that product on that date.
func TestAggregator_DailyEqualsSumOfHalfHourly(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{AgreementID: "A1", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
		{AgreementID: "A2", MeterpointID: "MP002", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
	}

	var readings []models.MeterReading
	for hh := 0; hh < 48; hh++ {
		ts := day(2021, 1, 1).Add(time.Duration(hh) * models.BucketSize)
		readings = append(readings, reading("MP001", ts, "0.25"))
		readings = append(readings, reading("MP002", ts, "0.75"))
	}
	readings = append(readings, reading("MP001", day(2021, 1, 2), "5"))

	scope := models.DateRange{Start: day(2021, 1, 1), End: day(2021, 1, 2)}
	result := newTestAggregator().Aggregate(readings, scope, agreements, meterpoints, products)

	byProductDay := make(map[string]decimal.Decimal)
	activeProduct := map[string]string{"MP001": "P1", "MP002": "P1"}
	for _, bucket := range result.HalfHourly {
		key := activeProduct[bucket.MeterpointID] + "|" + models.DayOf(bucket.BucketStart).Format("2006-01-02")
		byProductDay[key] = byProductDay[key].Add(bucket.ConsumptionKWh)
	}

	require.Len(t, result.Daily, 2)
	for _, d := range result.Daily {
		key := d.ProductID + "|" + d.Date.Format("2006-01-02")
		assert.True(t, d.TotalKWh.Equal(byProductDay[key]),
			"daily total %s != half-hourly sum %s for %s", d.TotalKWh, byProductDay[key], key)
	}

	assert.True(t, result.Daily[0].TotalKWh.Equal(kwh("48")), "got %s", result.Daily[0].TotalKWh)
	assert.Equal(t, 2, result.Daily[0].MeterpointCount)
	assert.True(t, result.Daily[1].TotalKWh.Equal(kwh("5")))
	assert.Equal(t, 1, result.Daily[1].MeterpointCount)
}

// Attribution follows the agreement active on each bucket's own date, so a
// meterpoint that switches product mid-range splits its consumption.
func TestAggregator_AttributionPerDate(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A1",
			MeterpointID: "MP001",
			ProductID:    "P1",
			ValidFrom:    day(2020, 1, 1),
			ValidTo:      datePtr(day(2021, 1, 2)),
		},
		{
			AgreementID:  "A2",
			MeterpointID: "MP001",
			ProductID:    "P2",
			ValidFrom:    day(2021, 1, 2),
		},
	}
	readings := []models.MeterReading{
		reading("MP001", time.Date(2021, 1, 1, 10, 0, 0, 0, time.UTC), "1"),
		reading("MP001", time.Date(2021, 1, 2, 10, 0, 0, 0, time.UTC), "2"),
	}

	scope := models.DateRange{Start: day(2021, 1, 1), End: day(2021, 1, 2)}
	result := newTestAggregator().Aggregate(readings, scope, agreements, meterpoints, products)

	require.Len(t, result.Daily, 2)
	assert.Equal(t, "P1", result.Daily[0].ProductID)
	assert.True(t, result.Daily[0].TotalKWh.Equal(kwh("1")))
	assert.Equal(t, "P2", result.Daily[1].ProductID)
	assert.True(t, result.Daily[1].TotalKWh.Equal(kwh("2")))
}

func TestAggregator_OutputOrderingIsDeterministic(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{AgreementID: "A1", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
		{AgreementID: "A2", MeterpointID: "MP002", ProductID: "P2", ValidFrom: day(2020, 1, 1)},
	}
	readings := []models.MeterReading{
		reading("MP002", time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC), "1"),
		reading("MP001", time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC), "1"),
		reading("MP002", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), "1"),
		reading("MP001", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), "1"),
	}
	shuffled := []models.MeterReading{readings[2], readings[0], readings[3], readings[1]}

	first := newTestAggregator().Aggregate(readings, singleDayScope(day(2021, 1, 1)), agreements, meterpoints, products)
	second := newTestAggregator().Aggregate(shuffled, singleDayScope(day(2021, 1, 1)), agreements, meterpoints, products)

	require.Len(t, first.HalfHourly, 4)
	assert.Equal(t, "MP001", first.HalfHourly[0].MeterpointID)
	assert.Equal(t, "MP002", first.HalfHourly[1].MeterpointID)
	assert.True(t, first.HalfHourly[2].BucketStart.After(first.HalfHourly[1].BucketStart))

	assert.Equal(t, first.HalfHourly, second.HalfHourly)
	assert.Equal(t, first.Daily, second.Daily)
}

func TestAggregator_EmptyInput(t *testing.T) {
	meterpoints, products := referenceFixtures()

	result := newTestAggregator().Aggregate(nil, singleDayScope(day(2021, 1, 1)), nil, meterpoints, products)

	assert.Empty(t, result.HalfHourly)
	assert.Empty(t, result.Daily)
	assert.Equal(t, 0, result.Report.TotalReadings)
}
