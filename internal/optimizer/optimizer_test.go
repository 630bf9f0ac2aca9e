package optimizer

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/correlation"
	"github.com/parlaylab/parlay-core/internal/simulation"
	"github.com/parlaylab/parlay-core/internal/types"
)

type stubEdges struct {
	edges []types.Edge
}

func (s *stubEdges) EdgesByID(_ context.Context, _ []string) ([]types.Edge, error) {
	return s.edges, nil
}

type stubMatrix struct {
	result *correlation.Result
	err    error
}

func (s *stubMatrix) ComputePairwise(_ context.Context, _ correlation.Request) (*correlation.Result, error) {
	return s.result, s.err
}

type stubSim struct {
	probs map[string]float64 // first edge id -> prob_joint
	calls int
}

func (s *stubSim) Simulate(_ context.Context, legs []simulation.Leg, _ [][]float64, _ simulation.Params) (*simulation.Result, error) {
	s.calls++
	p := 0.5
	if v, ok := s.probs[legs[0].EdgeID]; ok {
		p = v
	}
	return &simulation.Result{ProbJoint: p, CILow: p - 0.01, CIHigh: p + 0.01, EVAdjusted: p}, nil
}

// fiveEdges builds the standard pool: evs [0.10, 0.15, -0.07, 0.12, -0.11]
// across distinct players and prop types.
func fiveEdges() []types.Edge {
	evs := []float64{0.10, 0.15, -0.07, 0.12, -0.11}
	edges := make([]types.Edge, len(evs))
	for i, ev := range evs {
		edges[i] = types.Edge{
			EdgeID:          fmt.Sprintf("e%d", i),
			PropID:          fmt.Sprintf("p%d", i),
			PlayerID:        fmt.Sprintf("player%d", i),
			MarketType:      fmt.Sprintf("market%d", i),
			ProbOver:        0.55,
			EV:              ev,
			VolatilityScore: 1.0,
		}
	}
	return edges
}

// mildMatrix is uniform |ρ| = 0.1 over n sorted props.
func mildMatrix(n int) *correlation.Result {
	ids := make([]string, n)
	m := make([][]float64, n)
	for i := range m {
		ids[i] = fmt.Sprintf("p%d", i)
		m[i] = make([]float64, n)
		for j := range m[i] {
			if i == j {
				m[i][j] = 1
			} else {
				m[i][j] = 0.1
			}
		}
	}
	sort.Strings(ids)
	return &correlation.Result{PropIDs: ids, Matrix: m, NumObservations: 50}
}

func edgeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("e%d", i)
	}
	return ids
}

func TestOptimize_EVObjectiveSelectsPositiveEdges(t *testing.T) {
	o := New(&stubEdges{edges: fiveEdges()}, &stubMatrix{result: mildMatrix(5)}, &stubSim{}, nil)

	constraints := DefaultConstraints()
	constraints.MinLegs = 2
	constraints.MaxLegs = 3

	outcome, err := o.Optimize(context.Background(), Request{
		Objective:   types.ObjectiveEV,
		EdgeIDs:     edgeIDs(5),
		Constraints: constraints,
	})
	require.NoError(t, err)
	require.Equal(t, types.OptimizationSuccess, outcome.Status)
	require.NotEmpty(t, outcome.Solutions)

	top := outcome.Solutions[0]
	got := append([]string(nil), top.EdgeIDs...)
	sort.Strings(got)
	assert.Equal(t, []string{"e0", "e1", "e3"}, got, "the three positive-EV edges win")

	// score = (0.10+0.15+0.12)·(1 − 0.1·0.4)
	assert.InDelta(t, 0.37*(1-0.1*0.4), top.Score, 1e-9)
	assert.InDelta(t, 0.37, top.SumEV, 1e-9)
	assert.InDelta(t, 0.1, top.AvgCorrelation, 1e-9)
}

func TestOptimize_SolutionsRespectConstraints(t *testing.T) {
	o := New(&stubEdges{edges: fiveEdges()}, &stubMatrix{result: mildMatrix(5)}, &stubSim{}, nil)

	constraints := DefaultConstraints()
	constraints.MinLegs = 2
	constraints.MaxLegs = 3
	constraints.MaxPairwiseCorrelation = 0.7
	constraints.MaxAvgCorrelation = 0.6

	outcome, err := o.Optimize(context.Background(), Request{
		Objective:   types.ObjectiveEV,
		EdgeIDs:     edgeIDs(5),
		Constraints: constraints,
	})
	require.NoError(t, err)

	for _, sol := range outcome.Solutions {
		assert.GreaterOrEqual(t, len(sol.EdgeIDs), constraints.MinLegs)
		assert.LessOrEqual(t, len(sol.EdgeIDs), constraints.MaxLegs)
		assert.LessOrEqual(t, sol.MaxPairwiseCorrelation, constraints.MaxPairwiseCorrelation)
		assert.LessOrEqual(t, sol.AvgCorrelation, constraints.MaxAvgCorrelation)
	}
}

func TestOptimize_HighPairwiseCorrelationExcluded(t *testing.T) {
	// p0 and p1 almost perfectly correlated: they may never share a ticket.
	result := mildMatrix(5)
	result.Matrix[0][1] = 0.95
	result.Matrix[1][0] = 0.95

	o := New(&stubEdges{edges: fiveEdges()}, &stubMatrix{result: result}, &stubSim{}, nil)

	outcome, err := o.Optimize(context.Background(), Request{
		Objective: types.ObjectiveEV,
		EdgeIDs:   edgeIDs(5),
	})
	require.NoError(t, err)

	for _, sol := range outcome.Solutions {
		ids := map[string]bool{}
		for _, id := range sol.EdgeIDs {
			ids[id] = true
		}
		assert.False(t, ids["e0"] && ids["e1"],
			"edges above max_pairwise_correlation must not co-occur: %v", sol.EdgeIDs)
	}
}

func TestOptimize_TightAvgCorrelationCapRejects(t *testing.T) {
	o := New(&stubEdges{edges: fiveEdges()}, &stubMatrix{result: mildMatrix(5)}, &stubSim{}, nil)

	constraints := DefaultConstraints()
	constraints.MaxAvgCorrelation = 0.01 // below the uniform 0.1, forbids every multi-leg set

	_, err := o.Optimize(context.Background(), Request{
		Objective:   types.ObjectiveEV,
		EdgeIDs:     edgeIDs(5),
		Constraints: constraints,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInsufficientData, apperrors.KindOf(err))
}

func TestOptimize_ZeroValueConstraintsGetDefaults(t *testing.T) {
	o := New(&stubEdges{edges: fiveEdges()}, &stubMatrix{result: mildMatrix(5)}, &stubSim{}, nil)

	outcome, err := o.Optimize(context.Background(), Request{
		Objective: types.ObjectiveEV,
		EdgeIDs:   edgeIDs(5),
	})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Solutions)

	for _, sol := range outcome.Solutions {
		assert.GreaterOrEqual(t, len(sol.EdgeIDs), 2)
		assert.LessOrEqual(t, sol.AvgCorrelation, 0.6)
	}
}

func TestOptimize_TooFewEligibleCandidates(t *testing.T) {
	edges := fiveEdges()
	for i := range edges {
		edges[i].EV = -0.05 // nothing clears min_ev_per_leg
	}
	o := New(&stubEdges{edges: edges}, &stubMatrix{result: mildMatrix(5)}, &stubSim{}, nil)

	_, err := o.Optimize(context.Background(), Request{
		Objective: types.ObjectiveEV,
		EdgeIDs:   edgeIDs(5),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInsufficientData, apperrors.KindOf(err))
}

func TestOptimize_EVVarRatioPrefersLowerVolatility(t *testing.T) {
	edges := fiveEdges()
	edges[0].VolatilityScore = 0.2 // same EVs, e0 much calmer
	edges[3].VolatilityScore = 0.2
	edges[1].VolatilityScore = 3.0

	o := New(&stubEdges{edges: edges}, &stubMatrix{result: mildMatrix(5)}, &stubSim{}, nil)

	constraints := DefaultConstraints()
	constraints.MinLegs = 2
	constraints.MaxLegs = 2

	outcome, err := o.Optimize(context.Background(), Request{
		Objective:   types.ObjectiveEVVarRatio,
		EdgeIDs:     edgeIDs(5),
		Constraints: constraints,
	})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Solutions)

	got := append([]string(nil), outcome.Solutions[0].EdgeIDs...)
	sort.Strings(got)
	assert.Equal(t, []string{"e0", "e3"}, got, "low-volatility pair should win the ratio objective")
}

func TestOptimize_TargetProbRescoring(t *testing.T) {
	edges := fiveEdges()
	for i := range edges {
		edges[i].ProbOver = 0.8
	}
	sim := &stubSim{probs: map[string]float64{}}

	o := New(&stubEdges{edges: edges}, &stubMatrix{result: mildMatrix(5)}, sim, nil)

	constraints := DefaultConstraints()
	constraints.MinLegs = 2
	constraints.MaxLegs = 3
	constraints.TargetProbability = 0.25

	outcome, err := o.Optimize(context.Background(), Request{
		Objective:   types.ObjectiveTargetProb,
		EdgeIDs:     edgeIDs(5),
		Constraints: constraints,
	})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Solutions)
	assert.Greater(t, sim.calls, 0, "TARGET_PROB must re-score via simulation")

	for _, sol := range outcome.Solutions {
		require.NotNil(t, sol.ProbJoint)
		assert.GreaterOrEqual(t, *sol.ProbJoint, constraints.TargetProbability)
		assert.InDelta(t, sol.SumEV, sol.Score, 1e-9, "feasible solutions keep Σev as score")
	}
}

func TestOptimize_TargetProbInfeasibleDropped(t *testing.T) {
	edges := fiveEdges()
	for i := range edges {
		edges[i].ProbOver = 0.9
	}
	// Simulation disagrees with the heuristic: everything is infeasible.
	sim := &stubSim{probs: map[string]float64{
		"e0": 0.1, "e1": 0.1, "e2": 0.1, "e3": 0.1, "e4": 0.1,
	}}

	o := New(&stubEdges{edges: edges}, &stubMatrix{result: mildMatrix(5)}, sim, nil)

	outcome, err := o.Optimize(context.Background(), Request{
		Objective: types.ObjectiveTargetProb,
		EdgeIDs:   edgeIDs(5),
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.Solutions, "solutions failing the simulated target are dropped")
}

func TestOptimize_AnnotationFillsJointStats(t *testing.T) {
	o := New(&stubEdges{edges: fiveEdges()}, &stubMatrix{result: mildMatrix(5)}, &stubSim{}, nil)

	outcome, err := o.Optimize(context.Background(), Request{
		Objective: types.ObjectiveEV,
		EdgeIDs:   edgeIDs(5),
		Annotate:  true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Solutions)

	for _, sol := range outcome.Solutions {
		require.NotNil(t, sol.ProbJoint)
		require.NotNil(t, sol.CILow)
		require.NotNil(t, sol.CIHigh)
		require.NotNil(t, sol.EVAdjusted)
		assert.Greater(t, sol.PortfolioVolatility, 0.0)
	}
}

func TestOptimize_IndependenceFallback(t *testing.T) {
	corrErr := apperrors.E(apperrors.KindInsufficientData, "no history")
	o := New(&stubEdges{edges: fiveEdges()}, &stubMatrix{err: corrErr}, &stubSim{}, nil)

	outcome, err := o.Optimize(context.Background(), Request{
		Objective: types.ObjectiveEV,
		EdgeIDs:   edgeIDs(5),
	})
	require.NoError(t, err, "missing history degrades to independence")
	require.NotEmpty(t, outcome.Solutions)
	assert.Zero(t, outcome.Solutions[0].AvgCorrelation)
}

func TestOptimize_CancelledYieldsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(&stubEdges{edges: fiveEdges()}, &stubMatrix{result: mildMatrix(5)}, &stubSim{}, nil)

	constraints := DefaultConstraints()
	constraints.MinLegs = 1 // singletons are harvested before the first checkpoint

	outcome, err := o.Optimize(ctx, Request{
		Objective:   types.ObjectiveEV,
		EdgeIDs:     edgeIDs(5),
		Constraints: constraints,
	})
	require.NoError(t, err)
	assert.Equal(t, types.OptimizationPartial, outcome.Status)
	assert.NotEmpty(t, outcome.Solutions, "solutions found before cancellation survive")
	for _, sol := range outcome.Solutions {
		assert.Len(t, sol.EdgeIDs, 1)
	}
}

func TestDefaultConstraints(t *testing.T) {
	c := DefaultConstraints()
	assert.Equal(t, 6, c.MaxLegs)
	assert.Equal(t, 2, c.MinLegs)
	assert.InDelta(t, 0.02, c.MinEVPerLeg, 1e-9)
	assert.InDelta(t, 0.6, c.MaxAvgCorrelation, 1e-9)
	assert.InDelta(t, 0.7, c.MaxPairwiseCorrelation, 1e-9)
	assert.Equal(t, 40, c.BeamWidth)
	assert.Equal(t, 10, c.SolutionsLimit)
}
