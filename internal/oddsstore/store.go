// Package oddsstore persists per-bookmaker odds snapshots, derives movement
// and steam records, and maintains the per-prop best-line aggregate.
package oddsstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/metrics"
	"github.com/parlaylab/parlay-core/internal/oddsmath"
	"github.com/parlaylab/parlay-core/internal/types"
	"github.com/parlaylab/parlay-core/pkg/database"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

const (
	// steamWindow is the sliding window for concurrent-move counting.
	steamWindow = 15 * time.Minute
	// aggregateWindow bounds the snapshots considered for a best line.
	aggregateWindow = time.Hour
	// DefaultMaxAge is the staleness bound for get_best_line.
	DefaultMaxAge = 30 * time.Minute
)

// SnapshotInput is one incoming per-bookmaker quote.
type SnapshotInput struct {
	Bookmaker       string     `json:"bookmaker" binding:"required"`
	Line            *float64   `json:"line,omitempty"`
	OverAmerican    *int       `json:"over_american,omitempty"`
	UnderAmerican   *int       `json:"under_american,omitempty"`
	IsAvailable     bool       `json:"is_available"`
	Volume          *int64     `json:"volume,omitempty"`
	SourceTimestamp *time.Time `json:"source_timestamp,omitempty"`
	CapturedAt      *time.Time `json:"captured_at,omitempty"`
}

// RecordResult summarizes a record_snapshots call.
type RecordResult struct {
	StoredCount    int `json:"stored_count"`
	FailedCount    int `json:"failed_count"`
	DuplicateCount int `json:"duplicate_count"`
}

// MovementPoint is one entry of a prop's movement history.
type MovementPoint struct {
	BookmakerID    string                  `json:"bookmaker_id"`
	LineDelta      float64                 `json:"line_delta"`
	OverOddsDelta  int                     `json:"over_odds_delta"`
	UnderOddsDelta int                     `json:"under_odds_delta"`
	Magnitude      float64                 `json:"magnitude"`
	Direction      types.MovementDirection `json:"direction"`
	IsSignificant  bool                    `json:"is_significant"`
	IsSteamMove    bool                    `json:"is_steam_move"`
	RecordedAt     time.Time               `json:"recorded_at"`
}

// SteamEvent is a flagged coordinated line move.
type SteamEvent struct {
	PropID              string    `json:"prop_id"`
	Sport               string    `json:"sport"`
	BookmakerID         string    `json:"bookmaker_id"`
	Magnitude           float64   `json:"magnitude"`
	Confidence          float64   `json:"confidence"`
	ConcurrentBookMoves int       `json:"concurrent_book_moves"`
	RecordedAt          time.Time `json:"recorded_at"`
}

// Store serializes odds writes per prop and maintains aggregates.
type Store struct {
	db  *database.DB
	log *logrus.Entry
	now func() time.Time

	mu        sync.Mutex
	propLocks map[string]*sync.Mutex

	booksMu sync.RWMutex
	books   map[string]*types.Bookmaker // canonical name -> row
}

// NewStore creates the odds store on an open database handle.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:        db,
		log:       logger.WithComponent("oddsstore"),
		now:       time.Now,
		propLocks: make(map[string]*sync.Mutex),
		books:     make(map[string]*types.Bookmaker),
	}
}

// lockProp returns the per-prop mutex, creating it on first use.
func (s *Store) lockProp(propID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.propLocks[propID]
	if !ok {
		l = &sync.Mutex{}
		s.propLocks[propID] = l
	}
	return l
}

// RecordSnapshots stores incoming quotes for one prop, derives movement and
// steam records, and refreshes the best-line aggregate, all in a single
// transaction. Duplicate (prop, bookmaker, captured_at) rows are no-ops.
func (s *Store) RecordSnapshots(ctx context.Context, propID, sport, marketType string, inputs []SnapshotInput) (*RecordResult, error) {
	if propID == "" {
		return nil, apperrors.E(apperrors.KindInvalidInput, "prop_id is required")
	}
	if len(inputs) == 0 {
		return nil, apperrors.E(apperrors.KindInvalidInput, "no snapshots supplied")
	}

	lock := s.lockProp(propID)
	lock.Lock()
	defer lock.Unlock()

	result := &RecordResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range inputs {
			switch err := s.recordOne(ctx, tx, propID, sport, marketType, &inputs[i]); {
			case err == nil:
				result.StoredCount++
			case apperrors.KindOf(err) == apperrors.KindConflict:
				result.DuplicateCount++
			case apperrors.KindOf(err) == apperrors.KindInvalidOdds ||
				apperrors.KindOf(err) == apperrors.KindInvalidInput:
				result.FailedCount++
				s.log.WithError(err).WithField("prop_id", propID).Warn("Rejected snapshot")
			default:
				return err
			}
		}
		if result.StoredCount > 0 {
			return s.refreshBestLineTx(ctx, tx, propID, sport)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SnapshotsRecorded.WithLabelValues(sport).Add(float64(result.StoredCount))
	s.log.WithFields(logrus.Fields{
		"prop_id":    propID,
		"stored":     result.StoredCount,
		"failed":     result.FailedCount,
		"duplicates": result.DuplicateCount,
	}).Debug("Snapshots recorded")
	return result, nil
}

// recordOne enriches and stores a single snapshot plus its movement record.
func (s *Store) recordOne(ctx context.Context, tx *gorm.DB, propID, sport, marketType string, in *SnapshotInput) error {
	book, err := s.resolveBookmaker(ctx, tx, in.Bookmaker)
	if err != nil {
		return err
	}

	capturedAt := s.now().UTC()
	if in.CapturedAt != nil {
		capturedAt = in.CapturedAt.UTC()
	}

	snapshot := types.OddsSnapshot{
		ID:              uuid.NewString(),
		PropID:          propID,
		BookmakerID:     book.ID,
		Sport:           sport,
		MarketType:      marketType,
		Line:            in.Line,
		OverAmerican:    in.OverAmerican,
		UnderAmerican:   in.UnderAmerican,
		IsAvailable:     in.IsAvailable,
		Volume:          in.Volume,
		CapturedAt:      capturedAt,
		SourceTimestamp: in.SourceTimestamp,
	}
	if err := enrichSnapshot(&snapshot); err != nil {
		return err
	}

	// The unique constraint is checked up front so a duplicate does not
	// abort the surrounding transaction.
	var count int64
	if err := tx.Model(&types.OddsSnapshot{}).
		Where("prop_id = ? AND bookmaker_id = ? AND captured_at = ?", propID, book.ID, capturedAt).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return apperrors.E(apperrors.KindConflict, "duplicate snapshot for %s/%s at %s", propID, in.Bookmaker, capturedAt)
	}

	var prev types.OddsSnapshot
	hasPrev := true
	err = tx.Where("prop_id = ? AND bookmaker_id = ? AND captured_at < ?", propID, book.ID, capturedAt).
		Order("captured_at DESC").First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hasPrev = false
	} else if err != nil {
		return err
	}

	if err := tx.Create(&snapshot).Error; err != nil {
		return err
	}

	if !hasPrev {
		return nil
	}
	return s.recordMovement(ctx, tx, &snapshot, &prev)
}

// enrichSnapshot fills decimal odds and no-vig probabilities from the
// American prices.
func enrichSnapshot(snap *types.OddsSnapshot) error {
	if snap.OverAmerican != nil {
		d, err := oddsmath.AmericanToDecimal(*snap.OverAmerican)
		if err != nil {
			return err
		}
		snap.OverDecimal = &d
	}
	if snap.UnderAmerican != nil {
		d, err := oddsmath.AmericanToDecimal(*snap.UnderAmerican)
		if err != nil {
			return err
		}
		snap.UnderDecimal = &d
	}
	if snap.OverAmerican != nil && snap.UnderAmerican != nil {
		pOver, err := oddsmath.ImpliedProbability(*snap.OverAmerican)
		if err != nil {
			return err
		}
		pUnder, err := oddsmath.ImpliedProbability(*snap.UnderAmerican)
		if err != nil {
			return err
		}
		noVigOver, noVigUnder, _, err := oddsmath.RemoveVigTwoWay(pOver, pUnder)
		if err != nil {
			return err
		}
		snap.OverNoVigProb = &noVigOver
		snap.UnderNoVigProb = &noVigUnder
	}
	return nil
}

// recordMovement derives the movement record for a new snapshot and flags
// steam using the 15-minute per-prop window.
func (s *Store) recordMovement(ctx context.Context, tx *gorm.DB, cur, prev *types.OddsSnapshot) error {
	m := classifyMovement(prev, cur)

	windowStart := cur.CapturedAt.Add(-steamWindow)
	var magnitudes []float64
	if err := tx.Model(&types.OddsHistory{}).
		Where("prop_id = ? AND recorded_at >= ? AND movement_magnitude >= ?", cur.PropID, windowStart, steamMagnitude).
		Pluck("movement_magnitude", &magnitudes).Error; err != nil {
		return err
	}
	if m.Magnitude >= steamMagnitude {
		magnitudes = append(magnitudes, m.Magnitude)
	}
	n, confidence, isSteam := steamStats(magnitudes)

	history := types.OddsHistory{
		ID:                  uuid.NewString(),
		SnapshotID:          cur.ID,
		PropID:              cur.PropID,
		BookmakerID:         cur.BookmakerID,
		Sport:               cur.Sport,
		LineDelta:           m.LineDelta,
		OverOddsDelta:       m.OverOddsDelta,
		UnderOddsDelta:      m.UnderOddsDelta,
		MovementMagnitude:   m.Magnitude,
		MovementDirection:   m.Direction,
		IsSignificant:       m.IsSignificant,
		IsSteamMove:         isSteam,
		SteamConfidence:     confidence,
		ConcurrentBookMoves: n,
		RecordedAt:          cur.CapturedAt,
	}
	if err := tx.Create(&history).Error; err != nil {
		return err
	}

	if isSteam {
		metrics.SteamMovesDetected.WithLabelValues(cur.Sport).Inc()
		s.log.WithFields(logrus.Fields{
			"prop_id":    cur.PropID,
			"moves":      n,
			"confidence": confidence,
		}).Info("Steam move detected")
	}
	return nil
}

// RefreshBestLine recomputes and upserts the aggregate for a prop.
func (s *Store) RefreshBestLine(ctx context.Context, propID string) (*types.BestLineAggregate, error) {
	lock := s.lockProp(propID)
	lock.Lock()
	defer lock.Unlock()

	var agg *types.BestLineAggregate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.refreshBestLineTx(ctx, tx, propID, ""); err != nil {
			return err
		}
		var stored types.BestLineAggregate
		if err := tx.Where("prop_id = ?", propID).First(&stored).Error; err != nil {
			return err
		}
		agg = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	agg.DataAgeMinutes = s.now().UTC().Sub(agg.LastUpdated).Minutes()
	return agg, nil
}

func (s *Store) refreshBestLineTx(ctx context.Context, tx *gorm.DB, propID, sport string) error {
	windowStart := s.now().UTC().Add(-aggregateWindow)
	var snapshots []types.OddsSnapshot
	if err := tx.Where("prop_id = ? AND is_available = ? AND captured_at >= ?", propID, true, windowStart).
		Order("captured_at DESC").Find(&snapshots).Error; err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return apperrors.E(apperrors.KindNotFound, "no available snapshots for prop %s in the last hour", propID)
	}
	if sport == "" {
		sport = snapshots[0].Sport
	}

	latest := latestPerBookmaker(snapshots)
	names, err := s.bookmakerNames(ctx, tx, latest)
	if err != nil {
		return err
	}

	agg := buildAggregate(propID, sport, latest, names, s.now().UTC())
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "prop_id"}},
		UpdateAll: true,
	}).Create(agg).Error
}

func (s *Store) bookmakerNames(ctx context.Context, tx *gorm.DB, snapshots []types.OddsSnapshot) (map[string]string, error) {
	ids := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		ids = append(ids, snap.BookmakerID)
	}
	var books []types.Bookmaker
	if err := tx.Where("id IN ?", ids).Find(&books).Error; err != nil {
		return nil, err
	}
	names := make(map[string]string, len(books))
	for _, b := range books {
		names[b.ID] = b.DisplayName
	}
	return names, nil
}

// GetBestLine returns the aggregate if fresher than maxAge, recomputing on
// demand otherwise. Recompute failures on this read path degrade to nil.
func (s *Store) GetBestLine(ctx context.Context, propID string, maxAge time.Duration) (*types.BestLineAggregate, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	var agg types.BestLineAggregate
	err := s.db.WithContext(ctx).Where("prop_id = ?", propID).First(&agg).Error
	if err == nil && s.now().UTC().Sub(agg.LastUpdated) <= maxAge {
		agg.DataAgeMinutes = s.now().UTC().Sub(agg.LastUpdated).Minutes()
		return &agg, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, err, "failed to load best line for %s", propID)
	}

	refreshed, refreshErr := s.RefreshBestLine(ctx, propID)
	if refreshErr != nil {
		if apperrors.KindOf(refreshErr) == apperrors.KindNotFound && errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		s.log.WithError(refreshErr).WithField("prop_id", propID).Warn("Best-line refresh failed on read path")
		if err == nil {
			// Serve the stale row rather than nothing.
			agg.DataAgeMinutes = s.now().UTC().Sub(agg.LastUpdated).Minutes()
			return &agg, nil
		}
		return nil, nil
	}
	return refreshed, nil
}

// GetLineMovement lists movement records for a prop, newest first.
func (s *Store) GetLineMovement(ctx context.Context, propID string, hours int, bookmaker string) ([]MovementPoint, error) {
	if hours <= 0 {
		hours = 24
	}
	q := s.db.WithContext(ctx).Model(&types.OddsHistory{}).
		Where("prop_id = ? AND recorded_at >= ?", propID, s.now().UTC().Add(-time.Duration(hours)*time.Hour))
	if bookmaker != "" {
		book, err := s.findBookmaker(ctx, bookmaker)
		if err != nil {
			return nil, err
		}
		q = q.Where("bookmaker_id = ?", book.ID)
	}

	var rows []types.OddsHistory
	if err := q.Order("recorded_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	points := make([]MovementPoint, len(rows))
	for i, r := range rows {
		points[i] = MovementPoint{
			BookmakerID:    r.BookmakerID,
			LineDelta:      r.LineDelta,
			OverOddsDelta:  r.OverOddsDelta,
			UnderOddsDelta: r.UnderOddsDelta,
			Magnitude:      r.MovementMagnitude,
			Direction:      r.MovementDirection,
			IsSignificant:  r.IsSignificant,
			IsSteamMove:    r.IsSteamMove,
			RecordedAt:     r.RecordedAt,
		}
	}
	return points, nil
}

// GetSteamMoves lists flagged steam moves, optionally filtered by sport.
func (s *Store) GetSteamMoves(ctx context.Context, sport string, hours int) ([]SteamEvent, error) {
	if hours <= 0 {
		hours = 24
	}
	q := s.db.WithContext(ctx).Model(&types.OddsHistory{}).
		Where("is_steam_move = ? AND recorded_at >= ?", true, s.now().UTC().Add(-time.Duration(hours)*time.Hour))
	if sport != "" {
		q = q.Where("sport = ?", sport)
	}

	var rows []types.OddsHistory
	if err := q.Order("recorded_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]SteamEvent, len(rows))
	for i, r := range rows {
		events[i] = SteamEvent{
			PropID:              r.PropID,
			Sport:               r.Sport,
			BookmakerID:         r.BookmakerID,
			Magnitude:           r.MovementMagnitude,
			Confidence:          r.SteamConfidence,
			ConcurrentBookMoves: r.ConcurrentBookMoves,
			RecordedAt:          r.RecordedAt,
		}
	}
	return events, nil
}

// FindArbitrage lists aggregates currently flagged as arbitrage.
func (s *Store) FindArbitrage(ctx context.Context, sport string, minProfitPct float64) ([]types.BestLineAggregate, error) {
	q := s.db.WithContext(ctx).
		Where("arbitrage_opportunity = ? AND arbitrage_profit_pct >= ?", true, minProfitPct)
	if sport != "" {
		q = q.Where("sport = ?", sport)
	}

	var aggs []types.BestLineAggregate
	if err := q.Order("arbitrage_profit_pct DESC").Find(&aggs).Error; err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for i := range aggs {
		aggs[i].DataAgeMinutes = now.Sub(aggs[i].LastUpdated).Minutes()
	}
	return aggs, nil
}

// ActiveProps maps sport to the prop ids with snapshots inside the window.
func (s *Store) ActiveProps(ctx context.Context, window time.Duration) (map[string][]string, error) {
	type row struct {
		Sport  string
		PropID string
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&types.OddsSnapshot{}).
		Select("DISTINCT sport, prop_id").
		Where("captured_at >= ?", s.now().UTC().Add(-window)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string)
	for _, r := range rows {
		out[r.Sport] = append(out[r.Sport], r.PropID)
	}
	return out, nil
}

// PruneSnapshots deletes snapshots older than the retention window.
func (s *Store) PruneSnapshots(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("captured_at < ?", s.now().UTC().Add(-olderThan)).
		Delete(&types.OddsSnapshot{})
	return res.RowsAffected, res.Error
}

// PruneHistory deletes movement records older than the retention window.
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("recorded_at < ?", s.now().UTC().Add(-olderThan)).
		Delete(&types.OddsHistory{})
	return res.RowsAffected, res.Error
}
