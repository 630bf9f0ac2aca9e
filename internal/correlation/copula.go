package correlation

import (
	"context"

	"gonum.org/v1/gonum/stat"

	"github.com/parlaylab/parlay-core/internal/cache"
)

// Marginal summarizes one prop's historical outcome distribution.
type Marginal struct {
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Samples int     `json:"samples"`
}

// CopulaParams couples a PSD correlation matrix with per-prop marginals for
// Gaussian copula sampling.
type CopulaParams struct {
	PropIDs   []string            `json:"prop_ids"`
	Matrix    [][]float64         `json:"matrix"`
	Marginals map[string]Marginal `json:"marginals"`
}

// ComputeCopulaParams builds Gaussian copula inputs for the prop set. The
// matrix is the shrunk PSD pairwise matrix; marginals come from the same
// history series.
func (e *Engine) ComputeCopulaParams(ctx context.Context, req Request) (*CopulaParams, error) {
	applyDefaults(&req)
	req.Shrinkage = true

	key := "copula:" + pairwiseCacheKey(req)
	v, err := e.cache.GetOrSet(ctx, key, e.pairwiseTTL, cache.NamespaceCopula, func(ctx context.Context) (interface{}, error) {
		return e.computeCopulaParams(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	params, ok := v.(*CopulaParams)
	if !ok {
		return e.computeCopulaParams(ctx, req)
	}
	return params, nil
}

func (e *Engine) computeCopulaParams(ctx context.Context, req Request) (*CopulaParams, error) {
	series, kept, err := e.fetchSeries(ctx, req)
	if err != nil {
		return nil, err
	}

	obs := commonSupport(series)
	matrix, _ := EnforcePSD(func() [][]float64 {
		raw := pairwiseMatrix(series, obs, req.UseSpearman)
		shrinkToIdentity(raw, req.Alpha)
		return raw
	}())

	marginals := make(map[string]Marginal, len(kept))
	for _, id := range kept {
		s := series[id]
		mean, std := stat.MeanStdDev(s, nil)
		marginals[id] = Marginal{Mean: mean, Std: std, Samples: len(s)}
	}

	return &CopulaParams{
		PropIDs:   kept,
		Matrix:    matrix,
		Marginals: marginals,
	}, nil
}
