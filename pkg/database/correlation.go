package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlaylab/parlay-core/internal/types"
)

// SaveFactorModel upserts a factor model on its (sport, context_hash,
// method, version_tag) identity.
func (db *DB) SaveFactorModel(ctx context.Context, model *types.CorrelationFactorModel) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "sport"}, {Name: "context_hash"}, {Name: "method"}, {Name: "version_tag"},
		},
		UpdateAll: true,
	}).Create(model).Error
}

// FindFactorModel looks up a persisted factor model, returning nil when none
// exists for the key.
func (db *DB) FindFactorModel(ctx context.Context, sport, contextHash string, method types.CorrelationMethod, versionTag string) (*types.CorrelationFactorModel, error) {
	var model types.CorrelationFactorModel
	err := db.WithContext(ctx).
		Where("sport = ? AND context_hash = ? AND method = ? AND version_tag = ?", sport, contextHash, method, versionTag).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load factor model: %w", err)
	}
	return &model, nil
}
