package correlation

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gorm.io/datatypes"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/cache"
	"github.com/parlaylab/parlay-core/internal/types"
)

const (
	// DefaultMinExplained is the cumulative variance ratio a factor model
	// must reach before it stops adding factors.
	DefaultMinExplained = 0.6
	// DefaultMaxFactors caps factor model rank.
	DefaultMaxFactors = 3
)

// FactorStore persists and retrieves factor models. pkg/database.DB
// satisfies it through the gorm handle.
type FactorStore interface {
	SaveFactorModel(ctx context.Context, model *types.CorrelationFactorModel) error
	FindFactorModel(ctx context.Context, sport, contextHash string, method types.CorrelationMethod, versionTag string) (*types.CorrelationFactorModel, error)
}

// FactorRequest configures a factor model build.
type FactorRequest struct {
	Sport        string
	PropIDs      []string
	LookbackDays int
	MinSamples   int
	MinExplained float64
	MaxFactors   int
	VersionTag   string
}

// FactorModel is a truncated eigendecomposition of a correlation matrix.
// Loadings is n×k with L·Lᵀ + diag(uniqueness) approximating the matrix.
type FactorModel struct {
	PropIDs                []string    `json:"prop_ids"`
	Loadings               [][]float64 `json:"loadings"`
	Eigenvalues            []float64   `json:"eigenvalues"`
	ExplainedVarianceRatio float64     `json:"explained_variance_ratio"`
	NumFactors             int         `json:"num_factors"`
	SampleSize             int         `json:"sample_size"`
	VersionTag             string      `json:"version_tag"`
}

// BuildFactorModel computes the leading-factor decomposition of the pairwise
// matrix for the prop set and persists it keyed by (sport, context hash,
// method, version tag). Rebuilding the same key overwrites the stored row.
func (e *Engine) BuildFactorModel(ctx context.Context, req FactorRequest) (*FactorModel, error) {
	if req.MinExplained <= 0 {
		req.MinExplained = DefaultMinExplained
	}
	if req.MaxFactors <= 0 {
		req.MaxFactors = DefaultMaxFactors
	}
	if req.VersionTag == "" {
		req.VersionTag = "v1"
	}

	key := "factor:" + req.Sport + ":" + ContextHash(req.PropIDs) + ":" + req.VersionTag
	v, err := e.cache.GetOrSet(ctx, key, e.factorTTL, cache.NamespaceFactor, func(ctx context.Context) (interface{}, error) {
		return e.buildFactorModel(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	model, ok := v.(*FactorModel)
	if !ok {
		return e.buildFactorModel(ctx, req)
	}
	return model, nil
}

func (e *Engine) buildFactorModel(ctx context.Context, req FactorRequest) (*FactorModel, error) {
	pairwise, err := e.computePairwise(ctx, Request{
		PropIDs:      req.PropIDs,
		LookbackDays: req.LookbackDays,
		MinSamples:   req.MinSamples,
		Shrinkage:    true,
		Alpha:        DefaultAlpha,
	})
	if err != nil {
		return nil, err
	}

	model, err := factorize(pairwise, req.MinExplained, req.MaxFactors)
	if err != nil {
		return nil, err
	}
	model.VersionTag = req.VersionTag

	if e.store != nil {
		if err := e.persistFactorModel(ctx, req, pairwise, model); err != nil {
			// Persistence is best effort; the in-memory model still serves.
			e.log.WithError(err).Warn("Failed to persist factor model")
		}
	}

	e.log.WithFields(logrus.Fields{
		"sport":     req.Sport,
		"props":     len(model.PropIDs),
		"factors":   model.NumFactors,
		"explained": model.ExplainedVarianceRatio,
	}).Info("Factor model built")

	return model, nil
}

// factorize extracts leading eigenpairs until the cumulative explained
// variance reaches minExplained or maxFactors is hit.
func factorize(pairwise *Result, minExplained float64, maxFactors int) (*FactorModel, error) {
	n := len(pairwise.PropIDs)
	var eig mat.EigenSym
	if !eig.Factorize(symFromDense(pairwise.Matrix), true) {
		return nil, apperrors.E(apperrors.KindNumericalInstability, "eigendecomposition failed for %d-prop matrix", n)
	}

	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// gonum returns eigenvalues ascending; walk from the largest.
	total := 0.0
	for _, v := range vals {
		if v > 0 {
			total += v
		}
	}
	if total <= 0 {
		return nil, apperrors.E(apperrors.KindNumericalInstability, "correlation matrix has no positive spectrum")
	}

	k := 0
	explained := 0.0
	eigenvalues := make([]float64, 0, maxFactors)
	for k < maxFactors && k < n {
		v := vals[n-1-k]
		if v <= eigenFloor {
			break
		}
		eigenvalues = append(eigenvalues, v)
		explained += v / total
		k++
		if explained >= minExplained {
			break
		}
	}
	if k == 0 {
		return nil, apperrors.E(apperrors.KindInsufficientData, "no factor explains variance above the floor")
	}

	loadings := make([][]float64, n)
	for i := 0; i < n; i++ {
		loadings[i] = make([]float64, k)
		for f := 0; f < k; f++ {
			loadings[i][f] = vecs.At(i, n-1-f) * math.Sqrt(eigenvalues[f])
		}
	}

	return &FactorModel{
		PropIDs:                pairwise.PropIDs,
		Loadings:               loadings,
		Eigenvalues:            eigenvalues,
		ExplainedVarianceRatio: explained,
		NumFactors:             k,
		SampleSize:             pairwise.NumObservations,
	}, nil
}

func (e *Engine) persistFactorModel(ctx context.Context, req FactorRequest, pairwise *Result, model *FactorModel) error {
	factors, err := json.Marshal(model.Loadings)
	if err != nil {
		return err
	}
	eigenvalues, err := json.Marshal(model.Eigenvalues)
	if err != nil {
		return err
	}
	propIDs, err := json.Marshal(model.PropIDs)
	if err != nil {
		return err
	}

	return e.store.SaveFactorModel(ctx, &types.CorrelationFactorModel{
		ID:                     uuid.NewString(),
		Sport:                  req.Sport,
		ContextHash:            ContextHash(req.PropIDs),
		Method:                 types.MethodPCA,
		Factors:                datatypes.JSON(factors),
		Eigenvalues:            datatypes.JSON(eigenvalues),
		PropIDs:                datatypes.JSON(propIDs),
		ExplainedVarianceRatio: model.ExplainedVarianceRatio,
		SampleSize:             pairwise.NumObservations,
		VersionTag:             model.VersionTag,
		ComputedAt:             time.Now().UTC(),
	})
}

// ReconstructMatrix expands a factor model back to a full correlation matrix
// with unit diagonal: L·Lᵀ off the diagonal, clamped to [-1, 1].
func (m *FactorModel) ReconstructMatrix() [][]float64 {
	n := len(m.PropIDs)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		out[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum := 0.0
			for f := 0; f < m.NumFactors; f++ {
				sum += m.Loadings[i][f] * m.Loadings[j][f]
			}
			sum = math.Max(-1, math.Min(1, sum))
			out[i][j] = sum
			out[j][i] = sum
		}
	}
	return out
}
