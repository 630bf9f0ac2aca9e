package oddsstore

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/parlaylab/parlay-core/internal/types"
)

const (
	// stableLineThreshold is the |Δline| below which a move is "stable".
	stableLineThreshold = 0.1
	// significantMagnitude marks a movement record as significant.
	significantMagnitude = 0.5
	// steamMagnitude is the per-move magnitude that counts toward steam.
	steamMagnitude = 2.0
	// steamMinMoves is the minimum qualifying moves for a steam flag.
	steamMinMoves = 3
	// steamConfidenceThreshold gates the is_steam_move flag.
	steamConfidenceThreshold = 0.6
)

// movement is the delta between two consecutive snapshots of the same
// (prop, bookmaker).
type movement struct {
	LineDelta      float64
	OverOddsDelta  int
	UnderOddsDelta int
	Magnitude      float64
	Direction      types.MovementDirection
	IsSignificant  bool
}

// classifyMovement compares the current snapshot against the prior one.
// Magnitude is the absolute line delta; odds deltas are informational.
func classifyMovement(prev, cur *types.OddsSnapshot) movement {
	var m movement
	if prev.Line != nil && cur.Line != nil {
		m.LineDelta = *cur.Line - *prev.Line
	}
	if prev.OverAmerican != nil && cur.OverAmerican != nil {
		m.OverOddsDelta = *cur.OverAmerican - *prev.OverAmerican
	}
	if prev.UnderAmerican != nil && cur.UnderAmerican != nil {
		m.UnderOddsDelta = *cur.UnderAmerican - *prev.UnderAmerican
	}
	m.Magnitude = math.Abs(m.LineDelta)

	switch {
	case m.Magnitude < stableLineThreshold:
		m.Direction = types.MovementStable
	case m.LineDelta > 0:
		m.Direction = types.MovementUp
	default:
		m.Direction = types.MovementDown
	}
	m.IsSignificant = m.Magnitude >= significantMagnitude
	return m
}

// steamStats scores a window of qualifying movement magnitudes. N is the
// count of moves with magnitude >= steamMagnitude inside the window;
// confidence = ½·(min(N/5,1) + max(0, 1 − σ²/mean)).
func steamStats(magnitudes []float64) (n int, confidence float64, isSteam bool) {
	qualifying := magnitudes[:0:0]
	for _, m := range magnitudes {
		if m >= steamMagnitude {
			qualifying = append(qualifying, m)
		}
	}
	n = len(qualifying)
	if n == 0 {
		return 0, 0, false
	}

	countTerm := math.Min(float64(n)/5, 1)

	mean := stat.Mean(qualifying, nil)
	variance := 0.0
	if n > 1 {
		variance = stat.Variance(qualifying, nil)
	}
	consistencyTerm := math.Max(0, 1-variance/mean)

	confidence = 0.5 * (countTerm + consistencyTerm)
	isSteam = confidence >= steamConfidenceThreshold && n >= steamMinMoves
	return n, confidence, isSteam
}
