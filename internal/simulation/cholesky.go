package simulation

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/parlaylab/parlay-core/internal/apperrors"
)

// DefaultCholeskyCacheSize caps the factorization LRU.
const DefaultCholeskyCacheSize = 50

// MatrixHash is a stable key over the 4-decimal rounding of a matrix.
func MatrixHash(matrix [][]float64) string {
	h := sha256.New()
	for _, row := range matrix {
		for _, v := range row {
			fmt.Fprintf(h, "%.4f,", v)
		}
		h.Write([]byte(";"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// choleskyEntry is a cached lower-triangular factor.
type choleskyEntry struct {
	key            string
	lower          *mat.TriDense
	regularization float64
}

// choleskyCache is an LRU of factorizations keyed by matrix hash.
type choleskyCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
	hits     int64
	misses   int64
}

func newCholeskyCache(capacity int) *choleskyCache {
	if capacity <= 0 {
		capacity = DefaultCholeskyCacheSize
	}
	return &choleskyCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// factor returns the cached lower factor for the matrix, computing and
// regularizing on miss. The second return is the applied regularization.
func (c *choleskyCache) factor(matrix [][]float64) (*mat.TriDense, float64, error) {
	key := MatrixHash(matrix)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		c.hits++
		entry := el.Value.(*choleskyEntry)
		c.mu.Unlock()
		return entry.lower, entry.regularization, nil
	}
	c.misses++
	c.mu.Unlock()

	lower, regularization, err := factorize(matrix)
	if err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		entry := el.Value.(*choleskyEntry)
		return entry.lower, entry.regularization, nil
	}
	c.entries[key] = c.order.PushFront(&choleskyEntry{key: key, lower: lower, regularization: regularization})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*choleskyEntry).key)
	}
	return lower, regularization, nil
}

func (c *choleskyCache) stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}

// factorize computes the Cholesky factor, adding max(1e-6, |min_eig|+1e-8)·I
// when the matrix is not sufficiently positive definite. A matrix that still
// fails after regularization is refused.
func factorize(matrix [][]float64) (*mat.TriDense, float64, error) {
	n := len(matrix)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (matrix[i][j]+matrix[j][i])/2)
		}
	}

	regularization := 0.0
	var eig mat.EigenSym
	if eig.Factorize(sym, false) {
		vals := eig.Values(nil)
		minEig := vals[0]
		for _, v := range vals {
			minEig = math.Min(minEig, v)
		}
		if minEig <= 1e-8 {
			regularization = math.Max(1e-6, math.Abs(minEig)+1e-8)
			for i := 0; i < n; i++ {
				sym.SetSym(i, i, sym.At(i, i)+regularization)
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		// One more attempt with a heavier ridge before giving up.
		regularization += 1e-4
		for i := 0; i < n; i++ {
			sym.SetSym(i, i, sym.At(i, i)+1e-4)
		}
		if !chol.Factorize(sym) {
			return nil, 0, apperrors.E(apperrors.KindNumericalInstability,
				"correlation matrix is not positive definite after regularization %g", regularization)
		}
	}

	lower := mat.NewTriDense(n, mat.Lower, nil)
	chol.LTo(lower)
	return lower, regularization, nil
}
