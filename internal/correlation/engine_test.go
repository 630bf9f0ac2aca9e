package correlation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/cache"
)

type stubHistory struct {
	series map[string][]float64
	calls  int
}

func (s *stubHistory) Series(_ context.Context, propID string, _ int) ([]float64, error) {
	s.calls++
	return s.series[propID], nil
}

func newTestEngine(history HistoryProvider) *Engine {
	return NewEngine(history, cache.NewStore(100), nil, time.Hour, 2*time.Hour)
}

func linear(n int, slope, intercept float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = slope*float64(i) + intercept
	}
	return out
}

func TestComputePairwise_PerfectCorrelation(t *testing.T) {
	h := &stubHistory{series: map[string][]float64{
		"a": linear(20, 1, 0),
		"b": linear(20, 2, 5),
	}}
	e := newTestEngine(h)

	res, err := e.ComputePairwise(context.Background(), Request{PropIDs: []string{"a", "b"}})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b"}, res.PropIDs)
	assert.Equal(t, 1.0, res.Matrix[0][0])
	assert.Equal(t, 1.0, res.Matrix[1][1])
	assert.InDelta(t, 1.0, res.Matrix[0][1], 1e-6)
	assert.Equal(t, res.Matrix[0][1], res.Matrix[1][0])
	assert.True(t, res.Diagnostics.IsSymmetric)
	assert.True(t, res.Diagnostics.IsPSD)
	assert.Equal(t, 20, res.NumObservations)
}

func TestComputePairwise_AntiCorrelation(t *testing.T) {
	h := &stubHistory{series: map[string][]float64{
		"a": linear(15, 1, 0),
		"b": linear(15, -3, 100),
	}}
	e := newTestEngine(h)

	res, err := e.ComputePairwise(context.Background(), Request{PropIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, res.Matrix[0][1], 1e-6)
}

func TestComputePairwise_Shrinkage(t *testing.T) {
	h := &stubHistory{series: map[string][]float64{
		"a": linear(12, 1, 0),
		"b": linear(12, 1, 3),
	}}
	e := newTestEngine(h)

	res, err := e.ComputePairwise(context.Background(), Request{
		PropIDs:   []string{"a", "b"},
		Shrinkage: true,
		Alpha:     0.1,
	})
	require.NoError(t, err)

	// (1-α)·1 off the diagonal, diagonal stays 1.
	assert.InDelta(t, 0.9, res.Matrix[0][1], 1e-9)
	assert.Equal(t, 1.0, res.Matrix[0][0])
}

func TestComputePairwise_InsufficientData(t *testing.T) {
	h := &stubHistory{series: map[string][]float64{
		"a": linear(20, 1, 0),
		"b": {1, 2, 3}, // below min samples
	}}
	e := newTestEngine(h)

	_, err := e.ComputePairwise(context.Background(), Request{PropIDs: []string{"a", "b"}})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInsufficientData, apperrors.KindOf(err))
}

func TestComputePairwise_DropsShortSeriesButProceeds(t *testing.T) {
	h := &stubHistory{series: map[string][]float64{
		"a": linear(20, 1, 0),
		"b": linear(20, 1, 1),
		"c": {1, 2}, // dropped
	}}
	e := newTestEngine(h)

	res, err := e.ComputePairwise(context.Background(), Request{PropIDs: []string{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.PropIDs)
	assert.Len(t, res.Matrix, 2)
}

func TestComputePairwise_NonFiniteValuesIgnored(t *testing.T) {
	a := linear(20, 1, 0)
	a[3] = math.NaN()
	a[7] = math.Inf(1)
	h := &stubHistory{series: map[string][]float64{
		"a": a,
		"b": linear(20, 1, 0),
	}}
	e := newTestEngine(h)

	res, err := e.ComputePairwise(context.Background(), Request{PropIDs: []string{"a", "b"}})
	require.NoError(t, err)
	for i := range res.Matrix {
		for j := range res.Matrix[i] {
			assert.False(t, math.IsNaN(res.Matrix[i][j]))
		}
	}
}

func TestComputePairwise_ConstantSeriesYieldsZero(t *testing.T) {
	h := &stubHistory{series: map[string][]float64{
		"a": linear(15, 0, 7), // zero variance, correlation undefined
		"b": linear(15, 1, 0),
	}}
	e := newTestEngine(h)

	res, err := e.ComputePairwise(context.Background(), Request{PropIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Matrix[0][1], "undefined correlation maps to 0")
}

func TestComputePairwise_Cached(t *testing.T) {
	h := &stubHistory{series: map[string][]float64{
		"a": linear(20, 1, 0),
		"b": linear(20, 2, 1),
	}}
	e := newTestEngine(h)

	first, err := e.ComputePairwise(context.Background(), Request{PropIDs: []string{"a", "b"}})
	require.NoError(t, err)
	callsAfterFirst := h.calls

	second, err := e.ComputePairwise(context.Background(), Request{PropIDs: []string{"b", "a"}})
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, h.calls, "reordered prop ids must hit the cache")
	assert.Equal(t, first.Matrix, second.Matrix)
}

func TestSpearman_MonotoneNonlinear(t *testing.T) {
	n := 20
	a := make([]float64, n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = float64(i)
		b[i] = math.Exp(float64(i) / 4) // monotone but nonlinear
	}
	h := &stubHistory{series: map[string][]float64{"a": a, "b": b}}
	e := newTestEngine(h)

	res, err := e.ComputePairwise(context.Background(), Request{
		PropIDs:     []string{"a", "b"},
		UseSpearman: true,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Matrix[0][1], 1e-6, "rank correlation of a monotone map is 1")
}

func TestRankTransform_Ties(t *testing.T) {
	ranks := rankTransform([]float64{3, 1, 3, 2})
	assert.Equal(t, []float64{3.5, 1, 3.5, 2}, ranks)
}

func TestEnforcePSD_RepairsInvalidMatrix(t *testing.T) {
	// ρ(a,b)=ρ(a,c)=0.9 with ρ(b,c)=-0.9 is not a valid correlation matrix.
	bad := [][]float64{
		{1, 0.9, 0.9},
		{0.9, 1, -0.9},
		{0.9, -0.9, 1},
	}
	fixed, diag := EnforcePSD(bad)

	assert.True(t, diag.IsPSD)
	assert.Greater(t, diag.RankDeficiency, 0)
	for i := range fixed {
		assert.Equal(t, 1.0, fixed[i][i])
		for j := range fixed[i] {
			assert.InDelta(t, fixed[j][i], fixed[i][j], 1e-9)
			assert.LessOrEqual(t, math.Abs(fixed[i][j]), 1.0+1e-9)
		}
	}
}

func TestEnforcePSD_ValidMatrixUntouched(t *testing.T) {
	good := [][]float64{
		{1, 0.3},
		{0.3, 1},
	}
	fixed, diag := EnforcePSD(good)
	assert.Equal(t, good, fixed)
	assert.True(t, diag.IsPSD)
	assert.Zero(t, diag.RankDeficiency)
	assert.InDelta(t, 0.3, diag.MaxOffDiagonal, 1e-9)
	assert.InDelta(t, 0.3, diag.MeanCorrelation, 1e-9)
}

func TestContextHash_OrderIndependent(t *testing.T) {
	a := ContextHash([]string{"p1", "p2", "p3"})
	b := ContextHash([]string{"p3", "p1", "p2"})
	c := ContextHash([]string{"p1", "p2"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestBuildFactorModel(t *testing.T) {
	// Four props driven by one common trend: a single factor dominates.
	base := linear(30, 1, 0)
	noise := func(shift float64) []float64 {
		out := make([]float64, len(base))
		for i := range out {
			out[i] = base[i] + shift*math.Sin(float64(i))
		}
		return out
	}
	h := &stubHistory{series: map[string][]float64{
		"a": noise(0.1), "b": noise(0.2), "c": noise(0.3), "d": noise(0.15),
	}}
	e := newTestEngine(h)

	model, err := e.BuildFactorModel(context.Background(), FactorRequest{
		Sport:   "NBA",
		PropIDs: []string{"a", "b", "c", "d"},
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, model.ExplainedVarianceRatio, DefaultMinExplained)
	assert.LessOrEqual(t, model.NumFactors, DefaultMaxFactors)
	assert.Equal(t, "v1", model.VersionTag)
	require.Len(t, model.Loadings, 4)
	require.Len(t, model.Loadings[0], model.NumFactors)

	// Reconstruction approximates the strong common correlation.
	rebuilt := model.ReconstructMatrix()
	assert.Equal(t, 1.0, rebuilt[0][0])
	assert.Greater(t, rebuilt[0][1], 0.5)
}

func TestComputeCopulaParams(t *testing.T) {
	h := &stubHistory{series: map[string][]float64{
		"a": linear(20, 1, 0),
		"b": linear(20, 2, 3),
	}}
	e := newTestEngine(h)

	params, err := e.ComputeCopulaParams(context.Background(), Request{PropIDs: []string{"a", "b"}})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b"}, params.PropIDs)
	m := params.Marginals["a"]
	assert.InDelta(t, 9.5, m.Mean, 1e-9)
	assert.Equal(t, 20, m.Samples)
	assert.Greater(t, m.Std, 0.0)

	_, diag := EnforcePSD(params.Matrix)
	assert.True(t, diag.IsPSD)
}
