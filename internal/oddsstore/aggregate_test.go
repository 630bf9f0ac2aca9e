package oddsstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlaylab/parlay-core/internal/types"
)

func snap(book string, line float64, over, under int, capturedAt time.Time) types.OddsSnapshot {
	s := types.OddsSnapshot{
		ID:           book + capturedAt.String(),
		PropID:       "prop-1",
		BookmakerID:  book,
		Sport:        "NBA",
		Line:         &line,
		OverAmerican: &over,
		IsAvailable:  true,
		CapturedAt:   capturedAt,
	}
	if under != 0 {
		s.UnderAmerican = &under
	}
	if err := enrichSnapshot(&s); err != nil {
		panic(err)
	}
	return s
}

func TestLatestPerBookmaker(t *testing.T) {
	now := time.Now().UTC()
	// Descending captured_at, as the query returns them.
	snapshots := []types.OddsSnapshot{
		snap("dk", 25.5, -110, 0, now),
		snap("fd", 26.0, -105, 0, now.Add(-time.Minute)),
		snap("dk", 24.5, -115, 0, now.Add(-2*time.Minute)), // superseded
	}

	latest := latestPerBookmaker(snapshots)
	require.Len(t, latest, 2)
	assert.Equal(t, "dk", latest[0].BookmakerID)
	assert.Equal(t, 25.5, *latest[0].Line)
	assert.Equal(t, "fd", latest[1].BookmakerID)
}

func TestBuildAggregate_BestLineAndArbitrage(t *testing.T) {
	now := time.Now().UTC()
	// Over quotes {-110, +110, -105}; best over is +110. Best under +105
	// comes from a different book: 0.476+0.488 < 1, arbitrage.
	latest := []types.OddsSnapshot{
		snap("dk", 25.5, -110, -110, now),
		snap("fd", 25.5, 110, -130, now),
		snap("mgm", 26.5, -105, 105, now),
	}
	names := map[string]string{"dk": "DraftKings", "fd": "FanDuel", "mgm": "BetMGM"}

	agg := buildAggregate("prop-1", "NBA", latest, names, now)

	require.NotNil(t, agg.BestOverAmerican)
	assert.Equal(t, 110, *agg.BestOverAmerican)
	assert.Equal(t, "fd", *agg.BestOverBookmakerID)
	assert.Equal(t, "FanDuel", *agg.BestOverBookmakerName)

	require.NotNil(t, agg.BestUnderAmerican)
	assert.Equal(t, 105, *agg.BestUnderAmerican)
	assert.Equal(t, "mgm", *agg.BestUnderBookmakerID)

	assert.Equal(t, 3, agg.NumBookmakers)
	require.NotNil(t, agg.ConsensusLine)
	assert.Equal(t, 25.5, *agg.ConsensusLine)
	assert.InDelta(t, 1.0, agg.LineSpread, 1e-9)

	assert.True(t, agg.ArbitrageOpportunity)
	assert.InDelta(t, 3.73, agg.ArbitrageProfitPct, 0.05)
}

func TestBuildAggregate_SingleBookmaker(t *testing.T) {
	now := time.Now().UTC()
	latest := []types.OddsSnapshot{snap("dk", 25.5, -110, -110, now)}

	agg := buildAggregate("prop-1", "NBA", latest, nil, now)

	assert.Equal(t, 1, agg.NumBookmakers)
	assert.Zero(t, agg.LineSpread)
	assert.False(t, agg.ArbitrageOpportunity, "one book cannot arbitrage against itself")
	require.NotNil(t, agg.ConsensusOverProb)
	assert.InDelta(t, 0.5, *agg.ConsensusOverProb, 1e-9)
}

func TestBuildAggregate_ConsensusProbsAreMeans(t *testing.T) {
	now := time.Now().UTC()
	latest := []types.OddsSnapshot{
		snap("dk", 25.5, -110, -110, now), // no-vig 0.5/0.5
		snap("fd", 25.5, -105, -115, now), // no-vig ≈0.4892/0.5108
	}

	agg := buildAggregate("prop-1", "NBA", latest, nil, now)

	require.NotNil(t, agg.ConsensusOverProb)
	assert.InDelta(t, (0.5+0.4892)/2, *agg.ConsensusOverProb, 1e-3)
	require.NotNil(t, agg.ConsensusUnderProb)
	assert.InDelta(t, 1.0, *agg.ConsensusOverProb+*agg.ConsensusUnderProb, 1e-3)
}

func TestBuildAggregate_Empty(t *testing.T) {
	agg := buildAggregate("prop-1", "NBA", nil, nil, time.Now())
	assert.Zero(t, agg.NumBookmakers)
	assert.Nil(t, agg.BestOverAmerican)
	assert.Nil(t, agg.ConsensusLine)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 2, 3}), "even counts average the middle pair")
	assert.Equal(t, 7.0, median([]float64{7}))
}
