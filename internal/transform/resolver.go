package transform

import (
	"sort"
	"time"

	"meter-analytics/internal/models"
)

// Resolver selects, for each meterpoint, the single agreement in force on a
// reference date. It is a pure function of its inputs: no I/O, no clock.
type Resolver struct{}

// NewResolver creates a new active-agreement resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolutionReport summarizes row-level outcomes of a resolution pass.
type ResolutionReport struct {
	ReferenceDate        time.Time
	CoveredMeterpoints   int
	UncoveredMeterpoints []string
	OrphanedAgreements   int
	OverlapConflicts     int
}

// Resolve produces exactly one ActiveAgreement per meterpoint that has at
// least one agreement containing the reference date. Containment is
// half-open: valid_from <= D < valid_to, open-ended valid_to always matches.
//
// Meterpoints with no containing agreement are excluded and listed in the
// report; this is a gap, not an error. Agreements referencing an unknown
// meterpoint or product are orphaned rows: skipped and counted.
//
// Overlapping agreements for one meterpoint are a data inconsistency the
// resolver tolerates with a deterministic tie-break: the agreement with the
// latest valid_from wins, and on equal valid_from the lexicographically
// smallest agreement_id wins. This is a policy choice, applied uniformly.
func (r *Resolver) Resolve(
	referenceDate time.Time,
	agreements []models.Agreement,
	meterpoints []models.Meterpoint,
	products []models.Product,
) ([]models.ActiveAgreement, *ResolutionReport) {
	referenceDate = models.DayOf(referenceDate)

	report := &ResolutionReport{ReferenceDate: referenceDate}

	knownMeterpoints := make(map[string]struct{}, len(meterpoints))
	for _, mp := range meterpoints {
		knownMeterpoints[mp.MeterpointID] = struct{}{}
	}

	productsByID := make(map[string]models.Product, len(products))
	for _, p := range products {
		productsByID[p.ProductID] = p
	}

	// Best candidate so far per meterpoint.
	selected := make(map[string]models.Agreement)
	candidates := make(map[string]int)

	for _, ag := range agreements {
		if _, ok := knownMeterpoints[ag.MeterpointID]; !ok {
			report.OrphanedAgreements++
			continue
		}
		if _, ok := productsByID[ag.ProductID]; !ok {
			report.OrphanedAgreements++
			continue
		}
		if !ag.ActiveOn(referenceDate) {
			continue
		}

		candidates[ag.MeterpointID]++

		current, ok := selected[ag.MeterpointID]
		if !ok || wins(ag, current) {
			selected[ag.MeterpointID] = ag
		}
	}

	for _, n := range candidates {
		if n > 1 {
			report.OverlapConflicts++
		}
	}

	active := make([]models.ActiveAgreement, 0, len(selected))
	for _, ag := range selected {
		product := productsByID[ag.ProductID]
		active = append(active, models.ActiveAgreement{
			MeterpointID:       ag.MeterpointID,
			AgreementID:        ag.AgreementID,
			ProductID:          ag.ProductID,
			ProductDisplayName: product.DisplayName,
			IsVariable:         product.IsVariable,
			ReferenceDate:      referenceDate,
		})
	}

	// Keyed uniquely by meterpoint_id; sorted so reruns emit identical output.
	sort.Slice(active, func(i, j int) bool {
		return active[i].MeterpointID < active[j].MeterpointID
	})

	report.CoveredMeterpoints = len(active)
	for _, mp := range meterpoints {
		if _, ok := selected[mp.MeterpointID]; !ok {
			report.UncoveredMeterpoints = append(report.UncoveredMeterpoints, mp.MeterpointID)
		}
	}
	sort.Strings(report.UncoveredMeterpoints)

	return active, report
}

// wins reports whether challenger beats incumbent under the tie-break
// policy: latest valid_from first, then smallest agreement_id.
func wins(challenger, incumbent models.Agreement) bool {
	cf, inf := models.DayOf(challenger.ValidFrom), models.DayOf(incumbent.ValidFrom)
	if !cf.Equal(inf) {
		return cf.After(inf)
	}
	return challenger.AgreementID < incumbent.AgreementID
}
