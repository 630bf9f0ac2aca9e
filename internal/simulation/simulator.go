// Package simulation estimates joint parlay success probabilities with a
// Gaussian copula Monte Carlo over correlated leg outcomes.
package simulation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
	"gorm.io/datatypes"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/cache"
	"github.com/parlaylab/parlay-core/internal/metrics"
	"github.com/parlaylab/parlay-core/internal/types"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

const (
	// DefaultBatchSize is the draws per batch between adaptive checks.
	DefaultBatchSize = 5000
	// DefaultMinDraws is the floor before adaptive stopping may trigger.
	DefaultMinDraws = 1000
	// DefaultMaxDraws caps any run regardless of the request.
	DefaultMaxDraws = 100000
	// DefaultTargetCIWidth is the full CI width for adaptive stopping.
	DefaultTargetCIWidth = 0.015
	// DefaultConfidenceLevel sizes the reported confidence interval.
	DefaultConfidenceLevel = 0.95
	// defaultResultTTL is how long completed runs stay cacheable.
	defaultResultTTL = 24 * time.Hour
)

// Leg is one parlay component with its marginal success probability.
type Leg struct {
	EdgeID          string  `json:"edge_id"`
	PropID          string  `json:"prop_id"`
	ProbOver        float64 `json:"prob_over"`
	OfferedLine     float64 `json:"offered_line"`
	FairLine        float64 `json:"fair_line"`
	VolatilityScore float64 `json:"volatility_score"`
}

// Params tunes a simulation run. Zero values take the documented defaults.
type Params struct {
	DrawsRequested  int     `json:"draws_requested"`
	Adaptive        bool    `json:"adaptive"`
	Seed            *int64  `json:"seed,omitempty"`
	ConfidenceLevel float64 `json:"confidence_level"`
	TargetCIWidth   float64 `json:"target_ci_width"`
	BatchSize       int     `json:"batch_size"`
	MinDraws        int     `json:"min_draws"`
	MaxDraws        int     `json:"max_draws"`
}

// DistributionSnapshot summarizes the Bernoulli outcome distribution.
type DistributionSnapshot struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	StdError float64 `json:"std_error"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
}

// Result is the outcome of a Monte Carlo run.
type Result struct {
	RunKey           string               `json:"run_key"`
	ProbJoint        float64              `json:"prob_joint"`
	DrawsExecuted    int                  `json:"draws_executed"`
	CILow            float64              `json:"ci_low"`
	CIHigh           float64              `json:"ci_high"`
	VarianceEstimate float64              `json:"variance_estimate"`
	EVIndependent    float64              `json:"ev_independent"`
	EVAdjusted       float64              `json:"ev_adjusted"`
	Distribution     DistributionSnapshot `json:"distribution_snapshots"`
	AdaptiveStopped  bool                 `json:"adaptive_stopped"`
	Regularization   float64              `json:"regularization,omitempty"`
}

// RunStore persists completed runs. pkg/database.DB satisfies it.
type RunStore interface {
	SaveMonteCarloRun(ctx context.Context, run *types.MonteCarloRun) error
}

// Simulator runs correlated parlay simulations with cached factorizations.
type Simulator struct {
	cache     *cache.Store
	store     RunStore
	cholesky  *choleskyCache
	resultTTL time.Duration
	log       *logrus.Entry
}

// NewSimulator creates a simulator. store may be nil for in-process use
// without persistence.
func NewSimulator(cacheStore *cache.Store, store RunStore, choleskyCapacity int) *Simulator {
	return &Simulator{
		cache:     cacheStore,
		store:     store,
		cholesky:  newCholeskyCache(choleskyCapacity),
		resultTTL: defaultResultTTL,
		log:       logger.WithComponent("simulation"),
	}
}

// SetResultTTL overrides how long completed runs stay cached.
func (s *Simulator) SetResultTTL(d time.Duration) {
	if d > 0 {
		s.resultTTL = d
	}
}

// Simulate estimates the joint success probability of the legs under the
// correlation matrix. Identical inputs (including seed) are served from
// cache for 24 hours.
func (s *Simulator) Simulate(ctx context.Context, legs []Leg, matrix [][]float64, params Params) (*Result, error) {
	if err := validateInputs(legs, matrix); err != nil {
		return nil, err
	}
	applyParamDefaults(&params)

	runKey := runKey(legs, matrix, params)
	v, err := s.cache.GetOrSet(ctx, runKey, s.resultTTL, cache.NamespaceMonteCarlo, func(ctx context.Context) (interface{}, error) {
		return s.run(ctx, runKey, legs, matrix, params)
	})
	if err != nil {
		return nil, err
	}
	res, ok := v.(*Result)
	if !ok {
		return s.run(ctx, runKey, legs, matrix, params)
	}
	return res, nil
}

func (s *Simulator) run(ctx context.Context, runKey string, legs []Leg, matrix [][]float64, params Params) (*Result, error) {
	n := len(legs)

	lower, regularization, err := s.cholesky.factor(matrix)
	if err != nil {
		return nil, err
	}
	if regularization > 0 {
		s.log.WithFields(logrus.Fields{
			"legs":           n,
			"regularization": regularization,
		}).Warn("Correlation matrix regularized before Cholesky")
	}

	// Success iff x_i > -z_i with z_i = Φ⁻¹(p_i).
	normal := distuv.UnitNormal
	thresholds := make([]float64, n)
	evIndependent := 1.0
	for i, leg := range legs {
		thresholds[i] = -normal.Quantile(leg.ProbOver)
		evIndependent *= leg.ProbOver
	}

	seed := time.Now().UnixNano()
	if params.Seed != nil {
		seed = *params.Seed
	}
	rng := rand.New(rand.NewSource(seed))

	zCrit := normal.Quantile(1 - (1-params.ConfidenceLevel)/2)

	limit := params.DrawsRequested
	if limit > params.MaxDraws {
		limit = params.MaxDraws
	}

	successes := 0
	executed := 0
	adaptiveStopped := false

	raw := make([]float64, n)

	for executed < limit {
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.KindCancelled, ctx.Err(), "simulation cancelled after %d draws", executed)
		default:
		}

		batch := params.BatchSize
		if remaining := limit - executed; batch > remaining {
			batch = remaining
		}

		for d := 0; d < batch; d++ {
			for i := range raw {
				raw[i] = rng.NormFloat64()
			}
			// x = L·z gives x ~ N(0, Σ).
			allHit := true
			for i := 0; i < n; i++ {
				sum := 0.0
				for j := 0; j <= i; j++ {
					sum += lower.At(i, j) * raw[j]
				}
				if sum <= thresholds[i] {
					allHit = false
					break
				}
			}
			if allHit {
				successes++
			}
		}
		executed += batch

		if params.Adaptive && executed >= params.MinDraws {
			p := float64(successes) / float64(executed)
			halfWidth := zCrit * math.Sqrt(p*(1-p)/float64(executed))
			if 2*halfWidth <= params.TargetCIWidth {
				adaptiveStopped = true
				break
			}
		}
	}

	metrics.MonteCarloDraws.Add(float64(executed))

	p := float64(successes) / float64(executed)
	variance := p * (1 - p) / float64(executed)
	stdErr := math.Sqrt(variance)
	halfWidth := zCrit * stdErr

	kurtosis := 0.0
	if p > 0 {
		kurtosis = 1/p - 1
	}

	result := &Result{
		RunKey:           runKey,
		ProbJoint:        p,
		DrawsExecuted:    executed,
		CILow:            math.Max(0, p-halfWidth),
		CIHigh:           math.Min(1, p+halfWidth),
		VarianceEstimate: variance,
		EVIndependent:    evIndependent,
		EVAdjusted:       p,
		Distribution: DistributionSnapshot{
			Mean:     p,
			Variance: p * (1 - p),
			StdError: stdErr,
			Skewness: 0,
			Kurtosis: kurtosis,
		},
		AdaptiveStopped: adaptiveStopped,
		Regularization:  regularization,
	}

	if s.store != nil {
		if err := s.persist(ctx, legs, params, result); err != nil {
			s.log.WithError(err).Warn("Failed to persist Monte Carlo run")
		}
	}

	s.log.WithFields(logrus.Fields{
		"legs":             n,
		"draws":            executed,
		"prob_joint":       p,
		"adaptive_stopped": adaptiveStopped,
	}).Debug("Simulation completed")

	return result, nil
}

func (s *Simulator) persist(ctx context.Context, legs []Leg, params Params, result *Result) error {
	distribution, err := json.Marshal(result.Distribution)
	if err != nil {
		return err
	}
	parameters, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.store.SaveMonteCarloRun(ctx, &types.MonteCarloRun{
		RunKey:                result.RunKey,
		LegsCount:             len(legs),
		DrawsRequested:        params.DrawsRequested,
		DrawsExecuted:         result.DrawsExecuted,
		VarianceEstimate:      result.VarianceEstimate,
		EVIndependent:         result.EVIndependent,
		EVAdjusted:            result.EVAdjusted,
		ProbJoint:             result.ProbJoint,
		DistributionSnapshots: datatypes.JSON(distribution),
		Parameters:            datatypes.JSON(parameters),
		CreatedAt:             time.Now().UTC(),
	})
}

// CholeskyCacheStats reports factorization cache effectiveness.
func (s *Simulator) CholeskyCacheStats() (hits, misses int64, size int) {
	return s.cholesky.stats()
}

func validateInputs(legs []Leg, matrix [][]float64) error {
	if len(legs) == 0 {
		return apperrors.E(apperrors.KindInvalidInput, "at least one leg is required")
	}
	for _, leg := range legs {
		if leg.ProbOver <= 0 || leg.ProbOver >= 1 {
			return apperrors.E(apperrors.KindInvalidProbability,
				"leg %s probability %.4f must be in (0, 1)", leg.EdgeID, leg.ProbOver)
		}
	}
	if len(matrix) != len(legs) {
		return apperrors.E(apperrors.KindInvalidInput,
			"correlation matrix size %d does not match %d legs", len(matrix), len(legs))
	}
	for i, row := range matrix {
		if len(row) != len(legs) {
			return apperrors.E(apperrors.KindInvalidInput, "correlation matrix row %d is not square", i)
		}
	}
	return nil
}

func applyParamDefaults(params *Params) {
	if params.DrawsRequested <= 0 {
		params.DrawsRequested = 10000
	}
	if params.ConfidenceLevel <= 0 || params.ConfidenceLevel >= 1 {
		params.ConfidenceLevel = DefaultConfidenceLevel
	}
	if params.TargetCIWidth <= 0 {
		params.TargetCIWidth = DefaultTargetCIWidth
	}
	if params.BatchSize <= 0 {
		params.BatchSize = DefaultBatchSize
	}
	if params.MinDraws <= 0 {
		params.MinDraws = DefaultMinDraws
	}
	if params.MaxDraws <= 0 {
		params.MaxDraws = DefaultMaxDraws
	}
}

// runKey hashes the sorted legs, matrix, draws and seed into a stable id.
func runKey(legs []Leg, matrix [][]float64, params Params) string {
	pairs := make([]string, len(legs))
	for i, leg := range legs {
		pairs[i] = fmt.Sprintf("%s:%.6f", leg.EdgeID, leg.ProbOver)
	}
	sort.Strings(pairs)

	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte("|"))
	}
	fmt.Fprintf(h, "%s|%d|", MatrixHash(matrix), params.DrawsRequested)
	if params.Seed != nil {
		fmt.Fprintf(h, "%d", *params.Seed)
	} else {
		fmt.Fprintf(h, "%d", time.Now().UnixNano())
	}
	return "run:" + hex.EncodeToString(h.Sum(nil))
}
