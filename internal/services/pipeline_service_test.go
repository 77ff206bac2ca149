package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter-analytics/internal/models"
	"meter-analytics/internal/repository"
	"meter-analytics/pkg/logging"
	"meter-analytics/pkg/metrics"
)

// Shared across tests: prometheus collectors register globally, so the
// package holds one instance for the whole test binary.
var (
	testLogger  = logging.NewStructuredLogger("pipeline-test", "test", logging.ErrorLevel)
	testMetrics = metrics.NewCollector("pipeline_test")
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(t time.Time) *time.Time {
	return &t
}

func kwh(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeRawRepository serves raw records from memory.
type fakeRawRepository struct {
	readings    []models.MeterReading
	agreements  []models.Agreement
	products    []models.Product
	meterpoints []models.Meterpoint
	listErr     error
}

func (f *fakeRawRepository) InsertReadingsBatch(_ context.Context, readings []models.MeterReading) error {
	f.readings = append(f.readings, readings...)
	return nil
}

func (f *fakeRawRepository) ReplaceReferenceData(_ context.Context, agreements []models.Agreement, products []models.Product, meterpoints []models.Meterpoint) error {
	f.agreements = agreements
	f.products = products
	f.meterpoints = meterpoints
	return nil
}

func (f *fakeRawRepository) ListReadings(_ context.Context, dateRange models.DateRange) ([]models.MeterReading, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.MeterReading
	for _, r := range f.readings {
		if dateRange.Contains(r.IntervalStart) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRawRepository) ListAgreements(_ context.Context) ([]models.Agreement, error) {
	return f.agreements, f.listErr
}

func (f *fakeRawRepository) ListProducts(_ context.Context) ([]models.Product, error) {
	return f.products, f.listErr
}

func (f *fakeRawRepository) ListMeterpoints(_ context.Context) ([]models.Meterpoint, error) {
	return f.meterpoints, f.listErr
}

func (f *fakeRawRepository) LatestReadingTimestamp(_ context.Context) (*time.Time, error) {
	if len(f.readings) == 0 {
		return nil, nil
	}
	latest := f.readings[0].IntervalStart
	for _, r := range f.readings[1:] {
		if r.IntervalStart.After(latest) {
			latest = r.IntervalStart
		}
	}
	return &latest, nil
}

// fakeAnalyticsRepository captures each ReplaceDerived call and keeps the
// last derived state, mimicking the replace-in-one-transaction contract.
type fakeAnalyticsRepository struct {
	replaceCalls int
	replaceErr   error

	active     []models.ActiveAgreement
	halfHourly []models.HalfHourlyConsumption
	daily      []models.DailyProductConsumption
}

func (f *fakeAnalyticsRepository) ReplaceDerived(
	_ context.Context,
	_ models.RunScope,
	active []models.ActiveAgreement,
	halfHourly []models.HalfHourlyConsumption,
	daily []models.DailyProductConsumption,
) error {
	f.replaceCalls++
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.active = active
	f.halfHourly = halfHourly
	f.daily = daily
	return nil
}

func (f *fakeAnalyticsRepository) GetActiveAgreements(_ context.Context, _ repository.ActiveAgreementFilter) ([]models.ActiveAgreement, int, error) {
	return f.active, len(f.active), nil
}

func (f *fakeAnalyticsRepository) GetHalfHourlyConsumption(_ context.Context, _ repository.ConsumptionFilter) ([]models.HalfHourlyConsumption, int, error) {
	return f.halfHourly, len(f.halfHourly), nil
}

func (f *fakeAnalyticsRepository) GetDailyProductConsumption(_ context.Context, _ repository.DailyConsumptionFilter) ([]models.DailyProductConsumption, int, error) {
	return f.daily, len(f.daily), nil
}

func (f *fakeAnalyticsRepository) HealthCheck(_ context.Context) error {
	return nil
}

func seededRawRepository() *fakeRawRepository {
	return &fakeRawRepository{
		readings: []models.MeterReading{
			{MeterpointID: "MP001", IntervalStart: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), ConsumptionKWh: kwh("1.5")},
			{MeterpointID: "MP001", IntervalStart: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), ConsumptionKWh: kwh("0.5")},
			{MeterpointID: "MP002", IntervalStart: time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC), ConsumptionKWh: kwh("3.0")},
		},
		agreements: []models.Agreement{
			{AgreementID: "A1", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
			{AgreementID: "A2", MeterpointID: "MP002", ProductID: "P1", ValidFrom: day(2019, 1, 1), ValidTo: datePtr(day(2020, 6, 1))},
		},
		products: []models.Product{
			{ProductID: "P1", DisplayName: "Standard Variable", IsVariable: true},
		},
		meterpoints: []models.Meterpoint{
			{MeterpointID: "MP001", Region: "NE"},
			{MeterpointID: "MP002", Region: "SW"},
		},
	}
}

func TestPipelineService_Run(t *testing.T) {
	raw := seededRawRepository()
	analytics := &fakeAnalyticsRepository{}
	service := NewPipelineService(raw, analytics, testLogger, testMetrics)

	scope := models.RunScope{ReferenceDate: day(2021, 1, 1)}
	result, err := service.Run(context.Background(), scope)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)

	// MP002's agreement expired before the reference date: it keeps its
	// half-hourly bucket but appears in neither active agreements nor the
	// daily roll-up.
	require.Len(t, result.ActiveAgreements, 1)
	assert.Equal(t, "MP001", result.ActiveAgreements[0].MeterpointID)
	assert.Equal(t, "A1", result.ActiveAgreements[0].AgreementID)

	require.Len(t, result.HalfHourly, 2)
	assert.True(t, result.HalfHourly[0].ConsumptionKWh.Equal(kwh("2.0")),
		"duplicate readings summed, got %s", result.HalfHourly[0].ConsumptionKWh)
	assert.Equal(t, "MP002", result.HalfHourly[1].MeterpointID)

	require.Len(t, result.DailyProduct, 1)
	assert.Equal(t, "P1", result.DailyProduct[0].ProductID)
	assert.True(t, result.DailyProduct[0].TotalKWh.Equal(kwh("2.0")))

	assert.Equal(t, 1, result.Aggregation.DuplicateReadings)
	assert.Equal(t, 1, result.Aggregation.UnattributedBuckets)
	assert.Equal(t, []string{"MP002"}, result.Resolution.UncoveredMeterpoints)

	// Derived state was persisted.
	assert.Equal(t, 1, analytics.replaceCalls)
	assert.Equal(t, result.ActiveAgreements, analytics.active)
	assert.Equal(t, result.HalfHourly, analytics.halfHourly)
	assert.Equal(t, result.DailyProduct, analytics.daily)
}

// Rerunning a scope over unchanged raw data must leave the analytics store
// in an identical state.
func TestPipelineService_RerunIsIdempotent(t *testing.T) {
	raw := seededRawRepository()
	analytics := &fakeAnalyticsRepository{}
	service := NewPipelineService(raw, analytics, testLogger, testMetrics)

	scope := models.RunScope{ReferenceDate: day(2021, 1, 1)}

	first, err := service.Run(context.Background(), scope)
	require.NoError(t, err)
	firstActive := analytics.active
	firstHalfHourly := analytics.halfHourly
	firstDaily := analytics.daily

	second, err := service.Run(context.Background(), scope)
	require.NoError(t, err)

	assert.Equal(t, 2, analytics.replaceCalls)
	assert.Equal(t, firstActive, analytics.active)
	assert.Equal(t, firstHalfHourly, analytics.halfHourly)
	assert.Equal(t, firstDaily, analytics.daily)

	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestPipelineService_PersistenceFailureAborts(t *testing.T) {
	raw := seededRawRepository()
	analytics := &fakeAnalyticsRepository{replaceErr: errors.New("connection reset")}
	service := NewPipelineService(raw, analytics, testLogger, testMetrics)

	_, err := service.Run(context.Background(), models.RunScope{ReferenceDate: day(2021, 1, 1)})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "analytics replace failed")
	assert.Empty(t, analytics.active, "failed run must not leave partial derived state")
}

func TestPipelineService_RawStoreFailurePropagates(t *testing.T) {
	raw := seededRawRepository()
	raw.listErr = errors.New("relation does not exist")
	analytics := &fakeAnalyticsRepository{}
	service := NewPipelineService(raw, analytics, testLogger, testMetrics)

	_, err := service.Run(context.Background(), models.RunScope{ReferenceDate: day(2021, 1, 1)})

	require.Error(t, err)
	assert.Equal(t, 0, analytics.replaceCalls)
}

func TestNormalizeScope(t *testing.T) {
	tests := []struct {
		name    string
		scope   models.RunScope
		want    models.RunScope
		wantErr string
	}{
		{
			name:    "missing reference date",
			scope:   models.RunScope{},
			wantErr: "reference date is required",
		},
		{
			name:  "empty range collapses to reference day",
			scope: models.RunScope{ReferenceDate: day(2021, 1, 15)},
			want: models.RunScope{
				ReferenceDate: day(2021, 1, 15),
				Range:         models.DateRange{Start: day(2021, 1, 15), End: day(2021, 1, 15)},
			},
		},
		{
			name: "partial range rejected",
			scope: models.RunScope{
				ReferenceDate: day(2021, 1, 15),
				Range:         models.DateRange{Start: day(2021, 1, 1)},
			},
			wantErr: "both start and end",
		},
		{
			name: "inverted range rejected",
			scope: models.RunScope{
				ReferenceDate: day(2021, 1, 15),
				Range:         models.DateRange{Start: day(2021, 1, 10), End: day(2021, 1, 5)},
			},
			wantErr: "before start",
		},
		{
			name: "timestamps truncated to days",
			scope: models.RunScope{
				ReferenceDate: time.Date(2021, 1, 15, 13, 45, 0, 0, time.UTC),
				Range: models.DateRange{
					Start: time.Date(2021, 1, 1, 8, 0, 0, 0, time.UTC),
					End:   time.Date(2021, 1, 31, 23, 59, 59, 0, time.UTC),
				},
			},
			want: models.RunScope{
				ReferenceDate: day(2021, 1, 15),
				Range:         models.DateRange{Start: day(2021, 1, 1), End: day(2021, 1, 31)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeScope(tt.scope)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
