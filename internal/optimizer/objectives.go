package optimizer

import (
	"math"

	"github.com/parlaylab/parlay-core/internal/types"
)

// varianceFloor prevents division by zero in the EV/variance ratio.
const varianceFloor = 1e-8

// targetProbDiscount is the flat correlation discount in the TARGET_PROB
// beam heuristic. Kept as-is; downstream expectations were validated
// against this exact factor.
const targetProbDiscount = 0.3

// score evaluates an index set under the configured objective.
func (sc *searchContext) score(indices []int) float64 {
	switch sc.objective {
	case types.ObjectiveEVVarRatio:
		return sc.scoreEVVarRatio(indices)
	case types.ObjectiveTargetProb:
		return sc.scoreTargetProb(indices)
	default:
		return sc.scoreEV(indices)
	}
}

func (sc *searchContext) sumEV(indices []int) float64 {
	sum := 0.0
	for _, idx := range indices {
		sum += sc.candidates[idx].EV
	}
	return sum
}

// scoreEV is Σev discounted by the average pairwise correlation.
func (sc *searchContext) scoreEV(indices []int) float64 {
	return sc.sumEV(indices) * (1 - sc.avgAbsRho(indices)*sc.constraints.CorrelationPenaltyWeight)
}

// scoreEVVarRatio is Σev over the portfolio standard deviation built from
// per-leg volatility scores.
func (sc *searchContext) scoreEVVarRatio(indices []int) float64 {
	return sc.sumEV(indices) / math.Max(sc.portfolioVolatility(indices), varianceFloor)
}

// portfolioVolatility is √ΣΣ vol_i·vol_j·ρ_ij over the set.
func (sc *searchContext) portfolioVolatility(indices []int) float64 {
	sum := 0.0
	for _, i := range indices {
		for _, j := range indices {
			rho := 1.0
			if i != j {
				rho = sc.pairRho(i, j)
			}
			sum += sc.candidates[i].VolatilityScore * sc.candidates[j].VolatilityScore * rho
		}
	}
	if sum < 0 {
		sum = 0
	}
	return math.Sqrt(sum)
}

// scoreTargetProb is the beam heuristic: Σev when the approximate joint
// probability clears the target, otherwise 0. Exact probabilities are
// restored by the Monte Carlo re-scoring pass after the search.
func (sc *searchContext) scoreTargetProb(indices []int) float64 {
	if sc.approxJointProb(indices) < sc.constraints.TargetProbability {
		return 0
	}
	return sc.sumEV(indices)
}

// approxJointProb is Πp_i discounted by the flat correlation factor.
func (sc *searchContext) approxJointProb(indices []int) float64 {
	p := 1.0
	for _, idx := range indices {
		p *= sc.candidates[idx].ProbOver
	}
	return p * (1 - sc.avgAbsRho(indices)*targetProbDiscount)
}
