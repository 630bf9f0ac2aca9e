// Package optimizer searches edge pools for high-value parlay ticket sets
// using correlation-aware beam search.
package optimizer

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/correlation"
	"github.com/parlaylab/parlay-core/internal/metrics"
	"github.com/parlaylab/parlay-core/internal/simulation"
	"github.com/parlaylab/parlay-core/internal/types"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

const (
	// rescoreLimit caps the TARGET_PROB Monte Carlo re-scoring pass.
	rescoreLimit = 20
	// rescoreDraws sizes the re-scoring simulations.
	rescoreDraws = 10000
	// annotateDraws sizes the final per-solution annotation simulations.
	annotateDraws = 5000
)

// Constraints bound the beam search. DefaultConstraints supplies the
// documented defaults; zero values are filled in on entry.
type Constraints struct {
	MaxLegs                  int     `json:"max_legs"`
	MinLegs                  int     `json:"min_legs"`
	MinEVPerLeg              float64 `json:"min_ev_per_leg"`
	MaxAvgCorrelation        float64 `json:"max_avg_correlation"`
	MaxPairwiseCorrelation   float64 `json:"max_pairwise_correlation"`
	TargetProbability        float64 `json:"target_probability"`
	MaxExposurePerPlayer     float64 `json:"max_exposure_per_player"`
	MaxExposurePerPropType   float64 `json:"max_exposure_per_prop_type"`
	CorrelationPenaltyWeight float64 `json:"correlation_penalty_weight"`
	BeamWidth                int     `json:"beam_width"`
	SolutionsLimit           int     `json:"solutions_limit"`
}

// DefaultConstraints returns the standard search bounds.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxLegs:                  6,
		MinLegs:                  2,
		MinEVPerLeg:              0.02,
		MaxAvgCorrelation:        0.6,
		MaxPairwiseCorrelation:   0.7,
		TargetProbability:        0.25,
		MaxExposurePerPlayer:     0.15,
		MaxExposurePerPropType:   0.25,
		CorrelationPenaltyWeight: 0.4,
		BeamWidth:                40,
		SolutionsLimit:           10,
	}
}

func (c *Constraints) applyDefaults() {
	d := DefaultConstraints()
	if c.MaxLegs <= 0 {
		c.MaxLegs = d.MaxLegs
	}
	if c.MinLegs <= 0 {
		c.MinLegs = d.MinLegs
	}
	if c.MinEVPerLeg == 0 {
		c.MinEVPerLeg = d.MinEVPerLeg
	}
	if c.MaxAvgCorrelation == 0 {
		c.MaxAvgCorrelation = d.MaxAvgCorrelation
	}
	if c.MaxPairwiseCorrelation == 0 {
		c.MaxPairwiseCorrelation = d.MaxPairwiseCorrelation
	}
	if c.TargetProbability == 0 {
		c.TargetProbability = d.TargetProbability
	}
	if c.MaxExposurePerPlayer == 0 {
		c.MaxExposurePerPlayer = d.MaxExposurePerPlayer
	}
	if c.MaxExposurePerPropType == 0 {
		c.MaxExposurePerPropType = d.MaxExposurePerPropType
	}
	if c.CorrelationPenaltyWeight == 0 {
		c.CorrelationPenaltyWeight = d.CorrelationPenaltyWeight
	}
	if c.BeamWidth <= 0 {
		c.BeamWidth = d.BeamWidth
	}
	if c.SolutionsLimit <= 0 {
		c.SolutionsLimit = d.SolutionsLimit
	}
}

// EdgeProvider yields candidate edges by id. Model backends implement it
// outside the core.
type EdgeProvider interface {
	EdgesByID(ctx context.Context, edgeIDs []string) ([]types.Edge, error)
}

// MatrixProvider supplies correlation matrices for candidate prop sets.
type MatrixProvider interface {
	ComputePairwise(ctx context.Context, req correlation.Request) (*correlation.Result, error)
}

// ParlaySimulator estimates joint probabilities for re-scoring and
// annotation.
type ParlaySimulator interface {
	Simulate(ctx context.Context, legs []simulation.Leg, matrix [][]float64, params simulation.Params) (*simulation.Result, error)
}

// RunStore persists run records and artifacts.
type RunStore interface {
	CreateOptimizationRun(ctx context.Context, run *types.OptimizationRun) error
	UpdateOptimizationRun(ctx context.Context, run *types.OptimizationRun) error
	SaveArtifacts(ctx context.Context, artifacts []types.OptimizationArtifact) error
}

// Request configures one optimization run.
type Request struct {
	Objective   types.OptimizationObjective `json:"objective"`
	EdgeIDs     []string                    `json:"edge_ids"`
	Constraints Constraints                 `json:"constraints"`
	Annotate    bool                        `json:"annotate"`
	Seed        *int64                      `json:"seed,omitempty"`
}

// Solution is one emitted ticket set.
type Solution struct {
	EdgeIDs                []string `json:"edge_ids"`
	Score                  float64  `json:"score"`
	SumEV                  float64  `json:"sum_ev"`
	AvgCorrelation         float64  `json:"avg_correlation"`
	MaxPairwiseCorrelation float64  `json:"max_pairwise_correlation"`
	PortfolioVolatility    float64  `json:"portfolio_volatility"`
	ProbJoint              *float64 `json:"prob_joint,omitempty"`
	CILow                  *float64 `json:"ci_low,omitempty"`
	CIHigh                 *float64 `json:"ci_high,omitempty"`
	EVAdjusted             *float64 `json:"ev_adjusted,omitempty"`
}

// Outcome is the result of an optimization run.
type Outcome struct {
	RunID      string                   `json:"run_id"`
	Status     types.OptimizationStatus `json:"status"`
	Solutions  []Solution               `json:"solutions"`
	DurationMs int64                    `json:"duration_ms"`
}

// Optimizer wires the search to its collaborators.
type Optimizer struct {
	edges EdgeProvider
	corr  MatrixProvider
	sim   ParlaySimulator
	runs  RunStore
	log   *logrus.Entry
}

// New creates an optimizer. runs may be nil for ephemeral use.
func New(edges EdgeProvider, corr MatrixProvider, sim ParlaySimulator, runs RunStore) *Optimizer {
	return &Optimizer{
		edges: edges,
		corr:  corr,
		sim:   sim,
		runs:  runs,
		log:   logger.WithComponent("optimizer"),
	}
}

// Optimize runs the full pipeline and persists the run record. Cancellation
// between beam depths yields PARTIAL when solutions were already harvested.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (*Outcome, error) {
	return o.optimizeWithID(ctx, uuid.NewString(), req)
}

// OptimizeAsync starts a detached run and returns its id immediately. The
// run record transitions out of RUNNING when the background search ends.
func (o *Optimizer) OptimizeAsync(req Request, timeout time.Duration) string {
	runID := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := o.optimizeWithID(ctx, runID, req); err != nil {
			o.log.WithError(err).WithField("run_id", runID).Warn("Async optimization failed")
		}
	}()
	return runID
}

func (o *Optimizer) optimizeWithID(ctx context.Context, runID string, req Request) (*Outcome, error) {
	req.Constraints.applyDefaults()
	if req.Objective == "" {
		req.Objective = types.ObjectiveEV
	}

	started := time.Now()
	run := &types.OptimizationRun{
		ID:        runID,
		Objective: req.Objective,
		Status:    types.OptimizationRunning,
		CreatedAt: started.UTC(),
	}
	run.InputEdgeIDs, _ = json.Marshal(req.EdgeIDs)
	run.Constraints, _ = json.Marshal(req.Constraints)
	if o.runs != nil {
		if err := o.runs.CreateOptimizationRun(ctx, run); err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnavailable, err, "failed to create optimization run")
		}
	}

	outcome, cancelled, err := o.execute(ctx, runID, req, started)
	o.finalize(run, outcome, cancelled, err, started)
	if err != nil && outcome == nil {
		return nil, err
	}
	return outcome, nil
}

// execute runs candidate loading, beam search, re-scoring and annotation.
// The bool return reports cooperative cancellation.
func (o *Optimizer) execute(ctx context.Context, runID string, req Request, started time.Time) (*Outcome, bool, error) {
	var artifacts []types.OptimizationArtifact
	trace := func(stage string, content interface{}) {
		payload, err := json.Marshal(map[string]interface{}{"stage": stage, "detail": content})
		if err != nil {
			return
		}
		artifacts = append(artifacts, types.OptimizationArtifact{
			ID:                uuid.NewString(),
			OptimizationRunID: runID,
			ArtifactType:      types.ArtifactTrace,
			Content:           datatypes.JSON(payload),
			CreatedAt:         time.Now().UTC(),
		})
	}

	candidates, err := o.loadCandidates(ctx, req)
	if err != nil {
		return nil, false, err
	}
	trace("candidate_loading", map[string]interface{}{
		"requested": len(req.EdgeIDs),
		"eligible":  len(candidates),
	})

	sc, diag, err := o.buildSearchContext(ctx, candidates, req)
	if err != nil {
		return nil, false, err
	}
	trace("correlation", diag)

	harvested, steps, searchErr := runBeam(sc, func() error {
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.KindCancelled, ctx.Err(), "optimization cancelled")
		default:
			return nil
		}
	})
	cancelled := searchErr != nil

	for _, step := range steps {
		payload, err := json.Marshal(step)
		if err != nil {
			continue
		}
		artifacts = append(artifacts, types.OptimizationArtifact{
			ID:                uuid.NewString(),
			OptimizationRunID: runID,
			ArtifactType:      types.ArtifactHeuristicStep,
			Content:           datatypes.JSON(payload),
			CreatedAt:         time.Now().UTC(),
		})
	}

	if len(harvested) == 0 {
		if cancelled {
			return nil, true, searchErr
		}
		return nil, false, apperrors.E(apperrors.KindInsufficientData,
			"no ticket set satisfies the constraints (candidates=%d)", len(candidates))
	}

	sortStates(harvested)
	trimTo(&harvested, sc.constraints.SolutionsLimit*2) // headroom for re-scoring drops

	solutions := o.buildSolutions(sc, harvested)
	if req.Objective == types.ObjectiveTargetProb && !cancelled {
		solutions = o.rescoreTargetProb(ctx, sc, solutions, req.Seed)
	}
	if len(solutions) > sc.constraints.SolutionsLimit {
		solutions = solutions[:sc.constraints.SolutionsLimit]
	}
	if req.Annotate && !cancelled {
		o.annotate(ctx, sc, solutions, req.Seed)
	}

	// Cancelled runs publish no intermediate artifacts.
	if o.runs != nil && !cancelled {
		if err := o.runs.SaveArtifacts(ctx, artifacts); err != nil {
			o.log.WithError(err).Warn("Failed to persist optimization artifacts")
		}
	}

	status := types.OptimizationSuccess
	if cancelled {
		status = types.OptimizationPartial
	}
	return &Outcome{
		RunID:      runID,
		Status:     status,
		Solutions:  solutions,
		DurationMs: time.Since(started).Milliseconds(),
	}, cancelled, searchErr
}

func (o *Optimizer) loadCandidates(ctx context.Context, req Request) ([]types.Edge, error) {
	if len(req.EdgeIDs) == 0 {
		return nil, apperrors.E(apperrors.KindInvalidInput, "edge_ids is required")
	}
	edges, err := o.edges.EdgesByID(ctx, req.EdgeIDs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, err, "failed to load edges")
	}

	eligible := edges[:0:0]
	for _, e := range edges {
		if e.EV >= req.Constraints.MinEVPerLeg {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) < req.Constraints.MinLegs {
		return nil, apperrors.E(apperrors.KindInsufficientData,
			"only %d of %d candidates clear min_ev_per_leg %.4f, need %d",
			len(eligible), len(edges), req.Constraints.MinEVPerLeg, req.Constraints.MinLegs)
	}
	return eligible, nil
}

// buildSearchContext fetches the correlation matrix and maps candidates to
// matrix rows. History gaps degrade to independence rather than failing the
// run.
func (o *Optimizer) buildSearchContext(ctx context.Context, candidates []types.Edge, req Request) (*searchContext, interface{}, error) {
	propIDs := make([]string, 0, len(candidates))
	seen := make(map[string]bool)
	for _, e := range candidates {
		if !seen[e.PropID] {
			seen[e.PropID] = true
			propIDs = append(propIDs, e.PropID)
		}
	}

	sc := &searchContext{
		candidates:  candidates,
		constraints: req.Constraints,
		objective:   req.Objective,
		rowOf:       make([]int, len(candidates)),
	}

	result, err := o.corr.ComputePairwise(ctx, correlation.Request{PropIDs: propIDs, Shrinkage: true})
	switch {
	case err == nil:
		rowIndex := make(map[string]int, len(result.PropIDs))
		for i, id := range result.PropIDs {
			rowIndex[id] = i
		}
		sc.matrix = result.Matrix
		for i, e := range candidates {
			row, ok := rowIndex[e.PropID]
			if !ok {
				// Prop dropped for short history; treat as independent via
				// a dedicated identity row.
				row = len(sc.matrix)
				sc.matrix = appendIdentityRow(sc.matrix)
			}
			sc.rowOf[i] = row
		}
		return sc, result.Diagnostics, nil
	case apperrors.KindOf(err) == apperrors.KindInsufficientData:
		o.log.WithError(err).Warn("Correlation unavailable, assuming independence")
		sc.matrix = identityMatrix(len(candidates))
		for i := range candidates {
			sc.rowOf[i] = i
		}
		return sc, map[string]string{"fallback": "identity"}, nil
	default:
		return nil, nil, err
	}
}

func (o *Optimizer) buildSolutions(sc *searchContext, states []state) []Solution {
	solutions := make([]Solution, 0, len(states))
	for _, st := range states {
		ids := make([]string, len(st.indices))
		for i, idx := range st.indices {
			ids[i] = sc.candidates[idx].EdgeID
		}
		solutions = append(solutions, Solution{
			EdgeIDs:                ids,
			Score:                  st.score,
			SumEV:                  sc.sumEV(st.indices),
			AvgCorrelation:         sc.avgAbsRho(st.indices),
			MaxPairwiseCorrelation: sc.maxAbsRho(st.indices),
			PortfolioVolatility:    sc.portfolioVolatility(st.indices),
		})
	}
	return solutions
}

// rescoreTargetProb replaces the heuristic feasibility check with Monte
// Carlo estimates for the leading solutions, then re-sorts.
func (o *Optimizer) rescoreTargetProb(ctx context.Context, sc *searchContext, solutions []Solution, seed *int64) []Solution {
	limit := len(solutions)
	if limit > rescoreLimit {
		limit = rescoreLimit
	}

	kept := make([]Solution, 0, limit)
	for i := 0; i < limit; i++ {
		sol := solutions[i]
		res, err := o.simulateSolution(ctx, sc, sol.EdgeIDs, rescoreDraws, seed)
		if err != nil {
			o.log.WithError(err).Warn("Re-scoring simulation failed, keeping heuristic score")
			kept = append(kept, sol)
			continue
		}
		if res.ProbJoint < sc.constraints.TargetProbability {
			continue
		}
		sol.Score = sol.SumEV
		p := res.ProbJoint
		sol.ProbJoint = &p
		kept = append(kept, sol)
	}

	sort.SliceStable(kept, func(a, b int) bool { return kept[a].Score > kept[b].Score })
	return kept
}

// annotate attaches simulated joint statistics to each emitted solution.
func (o *Optimizer) annotate(ctx context.Context, sc *searchContext, solutions []Solution, seed *int64) {
	for i := range solutions {
		res, err := o.simulateSolution(ctx, sc, solutions[i].EdgeIDs, annotateDraws, seed)
		if err != nil {
			o.log.WithError(err).Warn("Solution annotation failed")
			continue
		}
		p, lo, hi, ev := res.ProbJoint, res.CILow, res.CIHigh, res.EVAdjusted
		solutions[i].ProbJoint = &p
		solutions[i].CILow = &lo
		solutions[i].CIHigh = &hi
		solutions[i].EVAdjusted = &ev
	}
}

// simulateSolution runs the simulator on the exact subset matrix of a
// solution's edges.
func (o *Optimizer) simulateSolution(ctx context.Context, sc *searchContext, edgeIDs []string, draws int, seed *int64) (*simulation.Result, error) {
	indices := make([]int, 0, len(edgeIDs))
	for _, id := range edgeIDs {
		for i, e := range sc.candidates {
			if e.EdgeID == id {
				indices = append(indices, i)
				break
			}
		}
	}

	legs := make([]simulation.Leg, len(indices))
	sub := make([][]float64, len(indices))
	for i, idx := range indices {
		e := sc.candidates[idx]
		legs[i] = simulation.Leg{
			EdgeID:          e.EdgeID,
			PropID:          e.PropID,
			ProbOver:        e.ProbOver,
			OfferedLine:     e.OfferedLine,
			FairLine:        e.FairLine,
			VolatilityScore: e.VolatilityScore,
		}
		sub[i] = make([]float64, len(indices))
		for j, jdx := range indices {
			if i == j {
				sub[i][j] = 1
			} else {
				sub[i][j] = sc.pairRho(idx, jdx)
			}
		}
	}
	return o.sim.Simulate(ctx, legs, sub, simulation.Params{DrawsRequested: draws, Seed: seed})
}

// finalize writes the terminal run record.
func (o *Optimizer) finalize(run *types.OptimizationRun, outcome *Outcome, cancelled bool, err error, started time.Time) {
	run.DurationMs = time.Since(started).Milliseconds()

	switch {
	case outcome != nil && !cancelled:
		run.Status = types.OptimizationSuccess
	case outcome != nil && cancelled:
		run.Status = types.OptimizationPartial
	default:
		run.Status = types.OptimizationFailed
	}
	if err != nil {
		msg := err.Error()
		run.ErrorMessage = &msg
	}
	if outcome != nil {
		run.SolutionTicketSets, _ = json.Marshal(outcome.Solutions)
		if len(outcome.Solutions) > 0 {
			best := outcome.Solutions[0].Score
			run.BestScore = &best
		}
	}

	metrics.OptimizationRuns.WithLabelValues(string(run.Status)).Inc()
	if o.runs != nil {
		// Persist with a fresh context so cancellation does not lose the
		// terminal state.
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if dbErr := o.runs.UpdateOptimizationRun(saveCtx, run); dbErr != nil {
			o.log.WithError(dbErr).Error("Failed to persist optimization run outcome")
		}
	}

	o.log.WithFields(logrus.Fields{
		"run_id":      run.ID,
		"status":      run.Status,
		"duration_ms": run.DurationMs,
	}).Info("Optimization run finished")
}

func identityMatrix(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

// appendIdentityRow grows the matrix by one uncorrelated variable.
func appendIdentityRow(m [][]float64) [][]float64 {
	n := len(m)
	out := make([][]float64, n+1)
	for i := range m {
		out[i] = append(append([]float64(nil), m[i]...), 0)
	}
	last := make([]float64, n+1)
	last[n] = 1
	out[n] = last
	return out
}
