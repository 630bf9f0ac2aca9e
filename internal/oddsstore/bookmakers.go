package oddsstore

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/types"
)

// canonicalName normalizes a bookmaker name for registry lookups.
func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, " ", "_")))
}

// resolveBookmaker returns the registry row for a quote's bookmaker name,
// auto-registering unknown books as untrusted. Resolutions are memoized.
func (s *Store) resolveBookmaker(ctx context.Context, tx *gorm.DB, name string) (*types.Bookmaker, error) {
	if name == "" {
		return nil, apperrors.E(apperrors.KindInvalidInput, "bookmaker name is required")
	}
	canonical := canonicalName(name)

	s.booksMu.RLock()
	cached, ok := s.books[canonical]
	s.booksMu.RUnlock()
	if ok {
		return cached, nil
	}

	var book types.Bookmaker
	err := tx.Where("canonical_name = ?", canonical).First(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		book = types.Bookmaker{
			ID:                 uuid.NewString(),
			CanonicalName:      canonical,
			DisplayName:        name,
			Status:             types.BookmakerActive,
			PriorityWeight:     1.0,
			IncludeInConsensus: true,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "canonical_name"}},
			DoNothing: true,
		}).Create(&book).Error; err != nil {
			return nil, err
		}
		// A concurrent insert may have won; reload for the durable row.
		if err := tx.Where("canonical_name = ?", canonical).First(&book).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	s.booksMu.Lock()
	s.books[canonical] = &book
	s.booksMu.Unlock()
	return &book, nil
}

// findBookmaker looks up a registry row without creating it.
func (s *Store) findBookmaker(ctx context.Context, name string) (*types.Bookmaker, error) {
	canonical := canonicalName(name)

	s.booksMu.RLock()
	cached, ok := s.books[canonical]
	s.booksMu.RUnlock()
	if ok {
		return cached, nil
	}

	var book types.Bookmaker
	err := s.db.WithContext(ctx).Where("canonical_name = ?", canonical).First(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.E(apperrors.KindNotFound, "unknown bookmaker %q", name)
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// UpsertBookmaker registers or updates a bookmaker, keyed by canonical name.
// Safe to call repeatedly with the same payload.
func (s *Store) UpsertBookmaker(ctx context.Context, book *types.Bookmaker) error {
	if book.CanonicalName == "" {
		return apperrors.E(apperrors.KindInvalidInput, "canonical_name is required")
	}
	book.CanonicalName = canonicalName(book.CanonicalName)
	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	if book.Status == "" {
		book.Status = types.BookmakerActive
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "canonical_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "short_name", "status", "is_trusted",
			"reliability_score", "priority_weight", "include_in_consensus", "updated_at",
		}),
	}).Create(book).Error
	if err != nil {
		return err
	}

	s.booksMu.Lock()
	delete(s.books, book.CanonicalName)
	s.booksMu.Unlock()
	return nil
}

// RecordFetchOutcome updates a bookmaker's feed-health counters.
func (s *Store) RecordFetchOutcome(ctx context.Context, name string, succeeded bool) error {
	book, err := s.findBookmaker(ctx, name)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{}
	if succeeded {
		now := s.now().UTC()
		updates["last_successful_fetch"] = now
		updates["consecutive_failures"] = 0
	} else {
		updates["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
	}
	if err := s.db.WithContext(ctx).Model(&types.Bookmaker{}).
		Where("id = ?", book.ID).Updates(updates).Error; err != nil {
		return err
	}

	s.booksMu.Lock()
	delete(s.books, book.CanonicalName)
	s.booksMu.Unlock()
	return nil
}

// ListBookmakers returns the registry, active books first.
func (s *Store) ListBookmakers(ctx context.Context) ([]types.Bookmaker, error) {
	var books []types.Bookmaker
	err := s.db.WithContext(ctx).Order("status ASC, canonical_name ASC").Find(&books).Error
	return books, err
}

// BackfillBookmakerNames fills missing denormalized name fields on
// aggregates from the registry. One-shot maintenance; idempotent.
func (s *Store) BackfillBookmakerNames(ctx context.Context) (int64, error) {
	var total int64

	over := s.db.WithContext(ctx).Exec(`
		UPDATE best_line_aggregates a
		SET best_over_bookmaker_name = b.display_name
		FROM bookmakers b
		WHERE a.best_over_bookmaker_id = b.id AND a.best_over_bookmaker_name IS NULL`)
	if over.Error != nil {
		return 0, over.Error
	}
	total += over.RowsAffected

	under := s.db.WithContext(ctx).Exec(`
		UPDATE best_line_aggregates a
		SET best_under_bookmaker_name = b.display_name
		FROM bookmakers b
		WHERE a.best_under_bookmaker_id = b.id AND a.best_under_bookmaker_name IS NULL`)
	if under.Error != nil {
		return 0, under.Error
	}
	total += under.RowsAffected
	return total, nil
}
