package oddsstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parlaylab/parlay-core/internal/types"
)

func TestClassifyMovement(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name          string
		prevLine      float64
		curLine       float64
		wantDirection types.MovementDirection
		wantSig       bool
	}{
		{"up significant", 25.5, 27.5, types.MovementUp, true},
		{"down significant", 25.5, 24.5, types.MovementDown, true},
		{"up below significance", 25.5, 25.8, types.MovementUp, false},
		{"stable within threshold", 25.5, 25.55, types.MovementStable, false},
		{"exactly at stable bound moves", 25.5, 25.6, types.MovementUp, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := snap("dk", tt.prevLine, -110, -110, now.Add(-time.Minute))
			cur := snap("dk", tt.curLine, -115, -105, now)

			m := classifyMovement(&prev, &cur)

			assert.InDelta(t, tt.curLine-tt.prevLine, m.LineDelta, 1e-9)
			assert.Equal(t, tt.wantDirection, m.Direction)
			assert.Equal(t, tt.wantSig, m.IsSignificant)
			assert.Equal(t, -5, m.OverOddsDelta)
			assert.Equal(t, 5, m.UnderOddsDelta)
			assert.GreaterOrEqual(t, m.Magnitude, 0.0)
		})
	}
}

func TestClassifyMovement_MissingLines(t *testing.T) {
	now := time.Now().UTC()
	prev := snap("dk", 0, -110, -110, now.Add(-time.Minute))
	cur := snap("dk", 0, -120, -100, now)
	prev.Line = nil
	cur.Line = nil

	m := classifyMovement(&prev, &cur)
	assert.Zero(t, m.LineDelta)
	assert.Equal(t, types.MovementStable, m.Direction)
}

func TestSteamStats_CoordinatedMoves(t *testing.T) {
	// Six qualifying moves of identical magnitude: count term 1 capped,
	// zero variance gives full consistency.
	n, conf, steam := steamStats([]float64{2.0, 2.0, 2.0, 2.0, 2.0, 2.0})
	assert.Equal(t, 6, n)
	assert.GreaterOrEqual(t, conf, 0.6)
	assert.True(t, steam)
}

func TestSteamStats_TooFewMoves(t *testing.T) {
	n, conf, steam := steamStats([]float64{3.0, 2.5})
	assert.Equal(t, 2, n)
	assert.False(t, steam, "steam requires at least 3 qualifying moves")
	assert.Greater(t, conf, 0.0)
}

func TestSteamStats_SubThresholdIgnored(t *testing.T) {
	n, _, steam := steamStats([]float64{0.5, 1.0, 1.9, 2.5})
	assert.Equal(t, 1, n, "only magnitudes >= 2.0 qualify")
	assert.False(t, steam)
}

func TestSteamStats_HighVarianceLowersConfidence(t *testing.T) {
	_, tight, _ := steamStats([]float64{2.0, 2.1, 2.0, 2.1})
	_, noisy, _ := steamStats([]float64{2.0, 9.0, 2.5, 7.0})
	assert.Greater(t, tight, noisy, "dispersed magnitudes are weaker evidence")
}

func TestSteamStats_Empty(t *testing.T) {
	n, conf, steam := steamStats(nil)
	assert.Zero(t, n)
	assert.Zero(t, conf)
	assert.False(t, steam)
}
