package optimizer

import (
	"math"
	"sort"
	"strings"

	"github.com/parlaylab/parlay-core/internal/types"
)

// state is one beam entry: a sorted candidate index set plus its score.
type state struct {
	indices []int
	score   float64
}

func (s state) key(candidates []types.Edge) string {
	ids := make([]string, len(s.indices))
	for i, idx := range s.indices {
		ids[i] = candidates[idx].EdgeID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// searchContext carries the immutable inputs of one beam search.
type searchContext struct {
	candidates  []types.Edge
	matrix      [][]float64
	rowOf       []int // candidate index -> matrix row
	constraints Constraints
	objective   types.OptimizationObjective
}

// pairRho is the correlation between two candidates.
func (sc *searchContext) pairRho(a, b int) float64 {
	return sc.matrix[sc.rowOf[a]][sc.rowOf[b]]
}

// avgAbsRho is the mean |ρ| over all pairs in the set; 0 for singletons.
func (sc *searchContext) avgAbsRho(indices []int) float64 {
	n := len(indices)
	if n < 2 {
		return 0
	}
	sum := 0.0
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += math.Abs(sc.pairRho(indices[i], indices[j]))
			pairs++
		}
	}
	return sum / float64(pairs)
}

// maxAbsRho is the largest pairwise |ρ| in the set.
func (sc *searchContext) maxAbsRho(indices []int) float64 {
	m := 0.0
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			if abs := math.Abs(sc.pairRho(indices[i], indices[j])); abs > m {
				m = abs
			}
		}
	}
	return m
}

// admissible checks the expansion of a state by one candidate against the
// pairwise, average-correlation, and exposure constraints.
func (sc *searchContext) admissible(indices []int, next int) bool {
	for _, idx := range indices {
		if math.Abs(sc.pairRho(idx, next)) > sc.constraints.MaxPairwiseCorrelation {
			return false
		}
	}

	expanded := append(append([]int(nil), indices...), next)
	if sc.avgAbsRho(expanded) > sc.constraints.MaxAvgCorrelation {
		return false
	}
	return sc.exposureOK(expanded)
}

// exposureOK enforces per-player and per-prop-type shares under uniform leg
// mass. A single occurrence is always admissible; the caps bind when an
// identity repeats within the set.
func (sc *searchContext) exposureOK(indices []int) bool {
	players := make(map[string]int)
	propTypes := make(map[string]int)
	for _, idx := range indices {
		e := sc.candidates[idx]
		if e.PlayerID != "" {
			players[e.PlayerID]++
		}
		if e.MarketType != "" {
			propTypes[e.MarketType]++
		}
	}

	total := float64(len(indices))
	for _, count := range players {
		if count > 1 && float64(count)/total > sc.constraints.MaxExposurePerPlayer {
			return false
		}
	}
	for _, count := range propTypes {
		if count > 1 && float64(count)/total > sc.constraints.MaxExposurePerPropType {
			return false
		}
	}
	return true
}

// depthResult summarizes one beam depth for artifact emission.
type depthResult struct {
	Depth     int      `json:"depth"`
	BeamSize  int      `json:"beam_size"`
	BestScore float64  `json:"best_score"`
	BestEdges []string `json:"best_edges"`
}

// runBeam performs the beam search, returning all harvested states of at
// least MinLegs plus the per-depth summaries. checkpoint is called between
// depths; a non-nil return aborts the search with the states gathered so
// far.
func runBeam(sc *searchContext, checkpoint func() error) (harvested []state, steps []depthResult, err error) {
	beam := make([]state, 0, len(sc.candidates))
	for i := range sc.candidates {
		beam = append(beam, state{indices: []int{i}, score: sc.score([]int{i})})
	}
	sortStates(beam)
	trimTo(&beam, sc.constraints.BeamWidth)
	steps = append(steps, summarizeDepth(sc, 0, beam))

	seen := make(map[string]bool)
	harvest := func(states []state) {
		for _, st := range states {
			if len(st.indices) < sc.constraints.MinLegs {
				continue
			}
			k := st.key(sc.candidates)
			if seen[k] {
				continue
			}
			seen[k] = true
			harvested = append(harvested, st)
		}
	}
	harvest(beam)

	for depth := 1; depth < sc.constraints.MaxLegs; depth++ {
		if err := checkpoint(); err != nil {
			return harvested, steps, err
		}

		var next []state
		expandedKeys := make(map[string]bool)
		for _, st := range beam {
			if len(st.indices) >= sc.constraints.MaxLegs {
				continue
			}
			for cand := range sc.candidates {
				if containsInt(st.indices, cand) {
					continue
				}
				if !sc.admissible(st.indices, cand) {
					continue
				}
				expanded := append(append([]int(nil), st.indices...), cand)
				sort.Ints(expanded)
				ns := state{indices: expanded}
				k := ns.key(sc.candidates)
				if expandedKeys[k] {
					continue
				}
				expandedKeys[k] = true
				ns.score = sc.score(expanded)
				next = append(next, ns)
			}
		}
		if len(next) == 0 {
			break
		}

		sortStates(next)
		trimTo(&next, sc.constraints.BeamWidth)
		beam = next
		steps = append(steps, summarizeDepth(sc, depth, beam))
		harvest(beam)
	}

	return harvested, steps, nil
}

func summarizeDepth(sc *searchContext, depth int, beam []state) depthResult {
	dr := depthResult{Depth: depth, BeamSize: len(beam)}
	if len(beam) > 0 {
		dr.BestScore = beam[0].score
		for _, idx := range beam[0].indices {
			dr.BestEdges = append(dr.BestEdges, sc.candidates[idx].EdgeID)
		}
	}
	return dr
}

func sortStates(states []state) {
	sort.SliceStable(states, func(a, b int) bool { return states[a].score > states[b].score })
}

func trimTo(states *[]state, width int) {
	if len(*states) > width {
		*states = (*states)[:width]
	}
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
