package oddsstore

import (
	"context"
	"time"

	"github.com/parlaylab/parlay-core/internal/types"
	"github.com/parlaylab/parlay-core/pkg/database"
)

// HistoryProvider serves per-prop outcome series to the correlation engine,
// using the daily mean no-vig over probability as the observable. Market
// consensus tracks realized performance closely enough to correlate on when
// box-score feeds are not wired in.
type HistoryProvider struct {
	db *database.DB
}

// NewHistoryProvider creates a provider over the snapshot archive.
func NewHistoryProvider(db *database.DB) *HistoryProvider {
	return &HistoryProvider{db: db}
}

// Series returns one value per day with quotes, oldest first. Days without
// any priced snapshot are skipped rather than interpolated.
func (p *HistoryProvider) Series(ctx context.Context, propID string, lookbackDays int) ([]float64, error) {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -lookbackDays)

	var rows []struct {
		Day  time.Time
		Prob float64
	}
	err := p.db.WithContext(ctx).
		Model(&types.OddsSnapshot{}).
		Select("date_trunc('day', captured_at) AS day, AVG(over_no_vig_prob) AS prob").
		Where("prop_id = ? AND over_no_vig_prob IS NOT NULL AND captured_at >= ?", propID, cutoff).
		Group("date_trunc('day', captured_at)").
		Order("day ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	series := make([]float64, len(rows))
	for i, r := range rows {
		series[i] = r.Prob
	}
	return series, nil
}
