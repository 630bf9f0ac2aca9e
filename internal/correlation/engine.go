// Package correlation builds positive-semidefinite correlation structures
// from historical outcome series: pairwise matrices with shrinkage, low-rank
// factor models, and Gaussian copula parameters.
package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/cache"
	"github.com/parlaylab/parlay-core/internal/types"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

const (
	// DefaultMinSamples is the minimum usable series length per prop.
	DefaultMinSamples = 8
	// DefaultAlpha is the shrinkage intensity toward the identity.
	DefaultAlpha = 0.1
	// eigenFloor is the spectral clip threshold for PSD enforcement.
	eigenFloor = 1e-8
	// clampFallback bounds off-diagonals when decomposition is unavailable.
	clampFallback = 0.95
)

// HistoryProvider yields historical outcome series for propositions. The
// sports-data adapters implementing it live outside the core.
type HistoryProvider interface {
	Series(ctx context.Context, propID string, lookbackDays int) ([]float64, error)
}

// Request configures a pairwise matrix computation.
type Request struct {
	PropIDs      []string
	Method       types.CorrelationMethod // PEARSON (default) or SHRUNK for rank choice; SPEARMAN via UseSpearman
	UseSpearman  bool
	LookbackDays int
	MinSamples   int
	Shrinkage    bool
	Alpha        float64
}

// Diagnostics accompanies every matrix returned by the engine.
type Diagnostics struct {
	IsSymmetric      bool    `json:"is_symmetric"`
	IsPSD            bool    `json:"is_psd"`
	MinEigenvalue    float64 `json:"min_eigenvalue"`
	ConditionNumber  float64 `json:"condition_number"`
	MaxOffDiagonal   float64 `json:"max_off_diagonal"`
	MeanCorrelation  float64 `json:"mean_correlation"`
	RankDeficiency   int     `json:"rank_deficiency"`
	DegradedIdentity bool    `json:"degraded_identity"`
	ClampFallback    bool    `json:"clamp_fallback"`
}

// Result is a pairwise correlation matrix in prop-id row order.
type Result struct {
	PropIDs         []string    `json:"prop_ids"`
	Matrix          [][]float64 `json:"matrix"`
	Diagnostics     Diagnostics `json:"diagnostics"`
	NumObservations int         `json:"num_observations"`
}

// Engine computes correlation structures, caching results by input hash.
type Engine struct {
	history HistoryProvider
	cache   *cache.Store
	store   FactorStore
	log     *logrus.Entry

	pairwiseTTL time.Duration
	factorTTL   time.Duration
}

// NewEngine wires the correlation engine.
func NewEngine(history HistoryProvider, cacheStore *cache.Store, store FactorStore, pairwiseTTL, factorTTL time.Duration) *Engine {
	return &Engine{
		history:     history,
		cache:       cacheStore,
		store:       store,
		log:         logger.WithComponent("correlation"),
		pairwiseTTL: pairwiseTTL,
		factorTTL:   factorTTL,
	}
}

// ComputePairwise returns the shrunk, PSD-enforced pairwise correlation
// matrix for the requested props. Results are cached for the configured TTL
// and identical inputs return bit-identical matrices.
func (e *Engine) ComputePairwise(ctx context.Context, req Request) (*Result, error) {
	applyDefaults(&req)
	if len(req.PropIDs) < 2 {
		return nil, apperrors.E(apperrors.KindInvalidInput, "pairwise correlation needs at least 2 props, got %d", len(req.PropIDs))
	}

	key := pairwiseCacheKey(req)
	v, err := e.cache.GetOrSet(ctx, key, e.pairwiseTTL, cache.NamespaceCorrelation, func(ctx context.Context) (interface{}, error) {
		return e.computePairwise(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	res, ok := v.(*Result)
	if !ok {
		// Entry round-tripped through the remote tier; recompute locally.
		return e.computePairwise(ctx, req)
	}
	return res, nil
}

func (e *Engine) computePairwise(ctx context.Context, req Request) (*Result, error) {
	series, kept, err := e.fetchSeries(ctx, req)
	if err != nil {
		return nil, err
	}

	n := len(kept)
	obs := commonSupport(series)

	raw := pairwiseMatrix(series, obs, req.UseSpearman)

	if req.Shrinkage {
		shrinkToIdentity(raw, req.Alpha)
	}

	matrix, diag := EnforcePSD(raw)

	e.log.WithFields(logrus.Fields{
		"props":        n,
		"observations": obs,
		"spearman":     req.UseSpearman,
		"shrinkage":    req.Shrinkage,
		"min_eig":      diag.MinEigenvalue,
		"is_psd":       diag.IsPSD,
	}).Debug("Pairwise correlation computed")

	return &Result{
		PropIDs:         kept,
		Matrix:          matrix,
		Diagnostics:     diag,
		NumObservations: obs,
	}, nil
}

// fetchSeries loads history for each prop and drops those below MinSamples.
func (e *Engine) fetchSeries(ctx context.Context, req Request) (map[string][]float64, []string, error) {
	series := make(map[string][]float64, len(req.PropIDs))
	kept := make([]string, 0, len(req.PropIDs))

	for _, propID := range req.PropIDs {
		s, err := e.history.Series(ctx, propID, req.LookbackDays)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.KindUnavailable, err, "failed to fetch history for prop %s", propID)
		}
		usable := dropNonFinite(s)
		if len(usable) < req.MinSamples {
			e.log.WithFields(logrus.Fields{
				"prop_id": propID,
				"samples": len(usable),
				"minimum": req.MinSamples,
			}).Debug("Dropping prop with insufficient history")
			continue
		}
		series[propID] = usable
		kept = append(kept, propID)
	}

	if len(kept) < 2 {
		return nil, nil, apperrors.E(apperrors.KindInsufficientData,
			"only %d of %d props have at least %d samples", len(kept), len(req.PropIDs), req.MinSamples)
	}
	// Row order is sorted prop id, matching the matrix builder.
	sort.Strings(kept)
	return series, kept, nil
}

// commonSupport is the overlapping series length used for every pair.
func commonSupport(series map[string][]float64) int {
	obs := math.MaxInt
	for _, s := range series {
		if len(s) < obs {
			obs = len(s)
		}
	}
	return obs
}

// pairwiseMatrix computes raw correlations on the common-support tails.
func pairwiseMatrix(series map[string][]float64, obs int, useSpearman bool) [][]float64 {
	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	aligned := make([][]float64, len(ids))
	for i, id := range ids {
		s := series[id]
		tail := s[len(s)-obs:]
		if useSpearman {
			aligned[i] = rankTransform(tail)
		} else {
			aligned[i] = tail
		}
	}

	n := len(ids)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := stat.Correlation(aligned[i], aligned[j], nil)
			if math.IsNaN(r) || math.IsInf(r, 0) {
				r = 0
			}
			r = math.Max(-1, math.Min(1, r))
			matrix[i][j] = r
			matrix[j][i] = r
		}
	}
	return matrix
}

// rankTransform converts values to ranks, averaging ties.
func rankTransform(values []float64) []float64 {
	n := len(values)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, n)
	for pos := 0; pos < n; {
		end := pos
		for end+1 < n && values[idx[end+1]] == values[idx[pos]] {
			end++
		}
		avg := float64(pos+end)/2 + 1
		for k := pos; k <= end; k++ {
			ranks[idx[k]] = avg
		}
		pos = end + 1
	}
	return ranks
}

// shrinkToIdentity applies Σ' = (1−α)·Σ + α·I in place.
func shrinkToIdentity(matrix [][]float64, alpha float64) {
	for i := range matrix {
		for j := range matrix[i] {
			if i == j {
				matrix[i][j] = (1-alpha)*matrix[i][j] + alpha
			} else {
				matrix[i][j] = (1 - alpha) * matrix[i][j]
			}
		}
	}
}

// EnforcePSD spectral-clips eigenvalues below the floor and resets the
// diagonal to 1, returning the repaired matrix and its diagnostics. When the
// decomposition fails it falls back to clamping off-diagonals.
func EnforcePSD(matrix [][]float64) ([][]float64, Diagnostics) {
	n := len(matrix)
	sym := symFromDense(matrix)

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		clamped := clampOffDiagonals(matrix)
		diag := summarize(clamped)
		diag.ClampFallback = true
		return clamped, diag
	}

	vals := eig.Values(nil)
	rankDeficiency := 0
	clipped := false
	for i, v := range vals {
		if v < eigenFloor {
			rankDeficiency++
			vals[i] = eigenFloor
			clipped = true
		}
	}

	out := matrix
	if clipped {
		var vecs mat.Dense
		eig.VectorsTo(&vecs)

		// Reconstruct V · diag(λ) · Vᵀ and renormalize the diagonal to 1.
		rebuilt := mat.NewDense(n, n, nil)
		scaled := mat.NewDense(n, n, nil)
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				scaled.Set(i, j, vecs.At(i, j)*vals[j])
			}
		}
		rebuilt.Mul(scaled, vecs.T())

		out = make([][]float64, n)
		for i := range out {
			out[i] = make([]float64, n)
			di := math.Sqrt(rebuilt.At(i, i))
			for j := range out[i] {
				dj := math.Sqrt(rebuilt.At(j, j))
				if di <= 0 || dj <= 0 {
					if i == j {
						out[i][j] = 1
					}
					continue
				}
				out[i][j] = rebuilt.At(i, j) / (di * dj)
			}
			out[i][i] = 1
		}
	}

	diag := summarize(out)
	diag.RankDeficiency = rankDeficiency
	return out, diag
}

// summarize recomputes the diagnostics of a finished matrix.
func summarize(matrix [][]float64) Diagnostics {
	n := len(matrix)
	diag := Diagnostics{IsSymmetric: true}

	maxOff, sumOff := 0.0, 0.0
	pairs := 0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if math.Abs(matrix[i][j]-matrix[j][i]) > 1e-9 {
				diag.IsSymmetric = false
			}
			if i < j {
				abs := math.Abs(matrix[i][j])
				if abs > maxOff {
					maxOff = abs
				}
				sumOff += matrix[i][j]
				pairs++
			}
		}
	}
	diag.MaxOffDiagonal = maxOff
	if pairs > 0 {
		diag.MeanCorrelation = sumOff / float64(pairs)
	}

	var eig mat.EigenSym
	if eig.Factorize(symFromDense(matrix), false) {
		vals := eig.Values(nil)
		minEig, maxEig := vals[0], vals[0]
		for _, v := range vals {
			minEig = math.Min(minEig, v)
			maxEig = math.Max(maxEig, v)
		}
		diag.MinEigenvalue = minEig
		diag.IsPSD = minEig >= -eigenFloor
		if minEig > eigenFloor {
			diag.ConditionNumber = maxEig / minEig
		} else {
			diag.ConditionNumber = maxEig / eigenFloor
		}
	}
	return diag
}

func clampOffDiagonals(matrix [][]float64) [][]float64 {
	n := len(matrix)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			if i == j {
				out[i][j] = 1
				continue
			}
			out[i][j] = math.Max(-clampFallback, math.Min(clampFallback, matrix[i][j]))
		}
	}
	return out
}

func symFromDense(matrix [][]float64) *mat.SymDense {
	n := len(matrix)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (matrix[i][j]+matrix[j][i])/2)
		}
	}
	return sym
}

func dropNonFinite(series []float64) []float64 {
	out := make([]float64, 0, len(series))
	for _, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func applyDefaults(req *Request) {
	if req.MinSamples <= 0 {
		req.MinSamples = DefaultMinSamples
	}
	if req.Alpha == 0 {
		req.Alpha = DefaultAlpha
	}
	if req.LookbackDays <= 0 {
		req.LookbackDays = 90
	}
	if req.Method == "" {
		req.Method = types.MethodPearson
	}
}

// pairwiseCacheKey hashes the sorted prop ids plus the method parameters.
func pairwiseCacheKey(req Request) string {
	ids := append([]string(nil), req.PropIDs...)
	sort.Strings(ids)
	h := sha256.New()
	h.Write([]byte(strings.Join(ids, ",")))
	fmt.Fprintf(h, "|%s|spearman=%t|shrink=%t|alpha=%.4f", req.Method, req.UseSpearman, req.Shrinkage, req.Alpha)
	return "matrix:" + hex.EncodeToString(h.Sum(nil))
}

// ContextHash identifies a prop set independent of ordering.
func ContextHash(propIDs []string) string {
	ids := append([]string(nil), propIDs...)
	sort.Strings(ids)
	h := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(h[:])
}
