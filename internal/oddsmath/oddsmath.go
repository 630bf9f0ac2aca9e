// Package oddsmath provides conversions between American and decimal odds,
// vig removal, and edge arithmetic. All functions are pure.
package oddsmath

import (
	"math"

	"github.com/parlaylab/parlay-core/internal/apperrors"
)

// ProbEpsilon is the tolerance used for probability equality checks.
const ProbEpsilon = 1e-4

// AmericanToDecimal converts American odds to decimal odds.
// Zero is not a valid American price.
func AmericanToDecimal(american int) (float64, error) {
	if american == 0 {
		return 0, apperrors.E(apperrors.KindInvalidOdds, "american odds cannot be zero")
	}
	if american > 0 {
		return 1 + float64(american)/100.0, nil
	}
	return 1 + 100.0/math.Abs(float64(american)), nil
}

// DecimalToAmerican converts decimal odds to the nearest American price.
func DecimalToAmerican(decimal float64) (int, error) {
	if decimal <= 1 {
		return 0, apperrors.E(apperrors.KindInvalidOdds, "decimal odds must exceed 1.0, got %.4f", decimal)
	}
	if decimal >= 2 {
		return int(math.Round((decimal - 1) * 100)), nil
	}
	return int(math.Round(-100 / (decimal - 1))), nil
}

// ImpliedProbability returns the with-vig implied probability of an American price.
func ImpliedProbability(american int) (float64, error) {
	decimal, err := AmericanToDecimal(american)
	if err != nil {
		return 0, err
	}
	return RoundProb(1 / decimal), nil
}

// RemoveVigTwoWay rescales a two-way market to sum to 1. When the inputs
// already sum to 1 or less there is no vig to remove and they are returned
// unchanged; noVig reports whether normalization was applied.
func RemoveVigTwoWay(probA, probB float64) (a, b float64, noVig bool, err error) {
	if err := validateProb(probA); err != nil {
		return 0, 0, false, err
	}
	if err := validateProb(probB); err != nil {
		return 0, 0, false, err
	}

	total := probA + probB
	if total <= 1 {
		return probA, probB, true, nil
	}
	return RoundProb(probA / total), RoundProb(probB / total), false, nil
}

// RemoveVigNWay generalizes vig removal to a complete n-way market.
func RemoveVigNWay(probs []float64) ([]float64, bool, error) {
	total := 0.0
	for _, p := range probs {
		if err := validateProb(p); err != nil {
			return nil, false, err
		}
		total += p
	}

	if total <= 1 {
		out := make([]float64, len(probs))
		copy(out, probs)
		return out, true, nil
	}

	out := make([]float64, len(probs))
	for i, p := range probs {
		out[i] = RoundProb(p / total)
	}
	return out, false, nil
}

// CalculateEdge returns the model probability minus the market probability.
func CalculateEdge(modelProb, marketProb float64) (float64, error) {
	if err := validateProb(modelProb); err != nil {
		return 0, err
	}
	if err := validateProb(marketProb); err != nil {
		return 0, err
	}
	return modelProb - marketProb, nil
}

// BetterAmerican reports whether candidate is a better price than incumbent
// for the bettor on the same side of a market: positive beats negative, among
// positives greater is better, among negatives closer to zero is better.
func BetterAmerican(candidate, incumbent int) bool {
	if candidate > 0 && incumbent < 0 {
		return true
	}
	if candidate < 0 && incumbent > 0 {
		return false
	}
	return candidate > incumbent
}

// Arbitrage checks a pair of best over/under American prices for a risk-free
// opportunity. Profit percentage is zero when none exists.
func Arbitrage(bestOver, bestUnder int) (exists bool, profitPct float64, err error) {
	pOver, err := ImpliedProbability(bestOver)
	if err != nil {
		return false, 0, err
	}
	pUnder, err := ImpliedProbability(bestUnder)
	if err != nil {
		return false, 0, err
	}

	total := pOver + pUnder
	if total >= 1 {
		return false, 0, nil
	}
	return true, (1/total - 1) * 100, nil
}

// RoundProb rounds a probability to 4 decimal places.
func RoundProb(p float64) float64 {
	return math.Round(p*10000) / 10000
}

// ProbEqual compares probabilities within ProbEpsilon.
func ProbEqual(a, b float64) bool {
	return math.Abs(a-b) < ProbEpsilon
}

func validateProb(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return apperrors.E(apperrors.KindInvalidProbability, "probability out of range [0,1]: %v", p)
	}
	return nil
}
