package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter-analytics/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(t time.Time) *time.Time {
	return &t
}

func referenceFixtures() ([]models.Meterpoint, []models.Product) {
	meterpoints := []models.Meterpoint{
		{MeterpointID: "MP001", Region: "NE"},
		{MeterpointID: "MP002", Region: "SW"},
	}
	products := []models.Product{
		{ProductID: "P1", DisplayName: "Standard Variable", IsVariable: true},
		{ProductID: "P2", DisplayName: "Fixed 12M", IsVariable: false},
	}
	return meterpoints, products
}

func TestResolver_ContainmentWindow(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A1",
			MeterpointID: "MP001",
			ProductID:    "P1",
			ValidFrom:    day(2020, 6, 1),
			ValidTo:      datePtr(day(2021, 6, 1)),
		},
	}

	resolver := NewResolver()

	tests := []struct {
		name          string
		referenceDate time.Time
		wantCovered   bool
	}{
		{"day before valid_from", day(2020, 5, 31), false},
		{"exactly valid_from", day(2020, 6, 1), true},
		{"inside window", day(2021, 1, 1), true},
		{"day before valid_to", day(2021, 5, 31), true},
		{"exactly valid_to is excluded", day(2021, 6, 1), false},
		{"after valid_to", day(2021, 7, 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active, report := resolver.Resolve(tt.referenceDate, agreements, meterpoints, products)

			if tt.wantCovered {
				require.Len(t, active, 1)
				assert.Equal(t, "A1", active[0].AgreementID)
				assert.Equal(t, tt.referenceDate, active[0].ReferenceDate)
				assert.NotContains(t, report.UncoveredMeterpoints, "MP001")
			} else {
				assert.Empty(t, active)
				assert.Contains(t, report.UncoveredMeterpoints, "MP001")
			}
		})
	}
}

func TestResolver_OpenEndedAgreement(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A1",
			MeterpointID: "MP001",
			ProductID:    "P1",
			ValidFrom:    day(2020, 1, 1),
		},
	}

	active, _ := NewResolver().Resolve(day(2035, 12, 31), agreements, meterpoints, products)

	require.Len(t, active, 1)
	assert.Equal(t, "A1", active[0].AgreementID)
}

func TestResolver_TieBreakLatestValidFrom(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A1",
			MeterpointID: "MP001",
			ProductID:    "P1",
			ValidFrom:    day(2020, 1, 1),
		},
		{
			AgreementID:  "A2",
			MeterpointID: "MP001",
			ProductID:    "P2",
			ValidFrom:    day(2020, 9, 1),
		},
	}

	active, report := NewResolver().Resolve(day(2021, 1, 1), agreements, meterpoints, products)

	require.Len(t, active, 1)
	assert.Equal(t, "A2", active[0].AgreementID, "latest valid_from wins")
	assert.Equal(t, "P2", active[0].ProductID)
	assert.Equal(t, 1, report.OverlapConflicts)
}

func TestResolver_TieBreakEqualValidFrom(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A9",
			MeterpointID: "MP001",
			ProductID:    "P1",
			ValidFrom:    day(2020, 1, 1),
		},
		{
			AgreementID:  "A2",
			MeterpointID: "MP001",
			ProductID:    "P2",
			ValidFrom:    day(2020, 1, 1),
		},
	}

	active, _ := NewResolver().Resolve(day(2021, 1, 1), agreements, meterpoints, products)

	require.Len(t, active, 1)
	assert.Equal(t, "A2", active[0].AgreementID, "smallest agreement_id wins on equal valid_from")
}

func TestResolver_TieBreakIsOrderIndependent(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{AgreementID: "A2", MeterpointID: "MP001", ProductID: "P2", ValidFrom: day(2020, 9, 1)},
		{AgreementID: "A1", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
		{AgreementID: "A3", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 9, 1)},
	}
	reversed := []models.Agreement{agreements[2], agreements[1], agreements[0]}

	forward, _ := NewResolver().Resolve(day(2021, 1, 1), agreements, meterpoints, products)
	backward, _ := NewResolver().Resolve(day(2021, 1, 1), reversed, meterpoints, products)

	require.Len(t, forward, 1)
	assert.Equal(t, "A2", forward[0].AgreementID)
	assert.Equal(t, forward, backward)
}

func TestResolver_OrphanedAgreements(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A1",
			MeterpointID: "MP-UNKNOWN",
			ProductID:    "P1",
			ValidFrom:    day(2020, 1, 1),
		},
		{
			AgreementID:  "A2",
			MeterpointID: "MP001",
			ProductID:    "P-UNKNOWN",
			ValidFrom:    day(2020, 1, 1),
		},
		{
			AgreementID:  "A3",
			MeterpointID: "MP001",
			ProductID:    "P1",
			ValidFrom:    day(2020, 1, 1),
		},
	}

	active, report := NewResolver().Resolve(day(2021, 1, 1), agreements, meterpoints, products)

	require.Len(t, active, 1)
	assert.Equal(t, "A3", active[0].AgreementID)
	assert.Equal(t, 2, report.OrphanedAgreements)
}

func TestResolver_UncoveredMeterpointIsNotAnError(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A1",
			MeterpointID: "MP001",
			ProductID:    "P1",
			ValidFrom:    day(2020, 1, 1),
		},
	}

	active, report := NewResolver().Resolve(day(2021, 1, 1), agreements, meterpoints, products)

	require.Len(t, active, 1)
	assert.Equal(t, 1, report.CoveredMeterpoints)
	assert.Equal(t, []string{"MP002"}, report.UncoveredMeterpoints)
}

func TestResolver_ProductAttributesEnriched(t *testing.T) {
	meterpoints, products := referenceFixtures()
	agreements := []models.Agreement{
		{
			AgreementID:  "A1",
			MeterpointID: "MP001",
			ProductID:    "P2",
			ValidFrom:    day(2020, 1, 1),
		},
	}

	active, _ := NewResolver().Resolve(day(2021, 1, 1), agreements, meterpoints, products)

	require.Len(t, active, 1)
	assert.Equal(t, "Fixed 12M", active[0].ProductDisplayName)
	assert.False(t, active[0].IsVariable)
}

func TestResolver_OutputSortedByMeterpoint(t *testing.T) {
	meterpoints := []models.Meterpoint{
		{MeterpointID: "MP003"},
		{MeterpointID: "MP001"},
		{MeterpointID: "MP002"},
	}
	products := []models.Product{{ProductID: "P1", DisplayName: "Standard"}}
	agreements := []models.Agreement{
		{AgreementID: "A3", MeterpointID: "MP003", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
		{AgreementID: "A1", MeterpointID: "MP001", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
		{AgreementID: "A2", MeterpointID: "MP002", ProductID: "P1", ValidFrom: day(2020, 1, 1)},
	}

	active, _ := NewResolver().Resolve(day(2021, 1, 1), agreements, meterpoints, products)

	require.Len(t, active, 3)
	assert.Equal(t, "MP001", active[0].MeterpointID)
	assert.Equal(t, "MP002", active[1].MeterpointID)
	assert.Equal(t, "MP003", active[2].MeterpointID)
}
