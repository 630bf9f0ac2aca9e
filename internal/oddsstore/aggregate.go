package oddsstore

import (
	"sort"
	"time"

	"github.com/parlaylab/parlay-core/internal/oddsmath"
	"github.com/parlaylab/parlay-core/internal/types"
)

// latestPerBookmaker reduces a captured_at-descending snapshot list to the
// most recent quote per bookmaker.
func latestPerBookmaker(snapshots []types.OddsSnapshot) []types.OddsSnapshot {
	seen := make(map[string]bool, len(snapshots))
	out := make([]types.OddsSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if seen[s.BookmakerID] {
			continue
		}
		seen[s.BookmakerID] = true
		out = append(out, s)
	}
	return out
}

// buildAggregate computes the best-line view from the latest per-bookmaker
// snapshots. bookNames maps bookmaker id to display name for the
// denormalized fields.
func buildAggregate(propID, sport string, latest []types.OddsSnapshot, bookNames map[string]string, now time.Time) *types.BestLineAggregate {
	agg := &types.BestLineAggregate{
		PropID:        propID,
		Sport:         sport,
		NumBookmakers: len(latest),
		LastUpdated:   now,
	}
	if len(latest) == 0 {
		return agg
	}

	var lines []float64
	var overProbs, underProbs []float64

	for i := range latest {
		s := &latest[i]
		if s.Line != nil {
			lines = append(lines, *s.Line)
		}
		if s.OverNoVigProb != nil {
			overProbs = append(overProbs, *s.OverNoVigProb)
		}
		if s.UnderNoVigProb != nil {
			underProbs = append(underProbs, *s.UnderNoVigProb)
		}

		if s.OverAmerican != nil {
			if agg.BestOverAmerican == nil || oddsmath.BetterAmerican(*s.OverAmerican, *agg.BestOverAmerican) {
				agg.BestOverAmerican = s.OverAmerican
				id := s.BookmakerID
				agg.BestOverBookmakerID = &id
				if name, ok := bookNames[id]; ok {
					n := name
					agg.BestOverBookmakerName = &n
				}
			}
		}
		if s.UnderAmerican != nil {
			if agg.BestUnderAmerican == nil || oddsmath.BetterAmerican(*s.UnderAmerican, *agg.BestUnderAmerican) {
				agg.BestUnderAmerican = s.UnderAmerican
				id := s.BookmakerID
				agg.BestUnderBookmakerID = &id
				if name, ok := bookNames[id]; ok {
					n := name
					agg.BestUnderBookmakerName = &n
				}
			}
		}
	}

	if len(lines) > 0 {
		m := median(lines)
		agg.ConsensusLine = &m
		agg.LineSpread = maxFloat(lines) - minFloat(lines)
	}
	if len(overProbs) > 0 {
		p := oddsmath.RoundProb(mean(overProbs))
		agg.ConsensusOverProb = &p
	}
	if len(underProbs) > 0 {
		p := oddsmath.RoundProb(mean(underProbs))
		agg.ConsensusUnderProb = &p
	}

	if agg.BestOverAmerican != nil && agg.BestUnderAmerican != nil &&
		*agg.BestOverBookmakerID != *agg.BestUnderBookmakerID {
		if exists, profit, err := oddsmath.Arbitrage(*agg.BestOverAmerican, *agg.BestUnderAmerican); err == nil && exists {
			agg.ArbitrageOpportunity = true
			agg.ArbitrageProfitPct = profit
		}
	}

	return agg
}

// median averages the two middle values for even counts.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func minFloat(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxFloat(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
