package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlaylab/parlay-core/internal/types"
)

// SaveMonteCarloRun upserts a simulation result by its run key.
func (db *DB) SaveMonteCarloRun(ctx context.Context, run *types.MonteCarloRun) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_key"}},
		UpdateAll: true,
	}).Create(run).Error
}

// FindMonteCarloRun loads a persisted run, nil when absent.
func (db *DB) FindMonteCarloRun(ctx context.Context, runKey string) (*types.MonteCarloRun, error) {
	var run types.MonteCarloRun
	err := db.WithContext(ctx).Where("run_key = ?", runKey).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load monte carlo run: %w", err)
	}
	return &run, nil
}

// CreateOptimizationRun inserts a new run row.
func (db *DB) CreateOptimizationRun(ctx context.Context, run *types.OptimizationRun) error {
	return db.WithContext(ctx).Create(run).Error
}

// UpdateOptimizationRun stores the terminal state of a run.
func (db *DB) UpdateOptimizationRun(ctx context.Context, run *types.OptimizationRun) error {
	return db.WithContext(ctx).Save(run).Error
}

// FindOptimizationRun loads a run by id, nil when absent.
func (db *DB) FindOptimizationRun(ctx context.Context, runID string) (*types.OptimizationRun, error) {
	var run types.OptimizationRun
	err := db.WithContext(ctx).Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load optimization run: %w", err)
	}
	return &run, nil
}

// SaveArtifacts stores a run's artifacts in one transaction.
func (db *DB) SaveArtifacts(ctx context.Context, artifacts []types.OptimizationArtifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&artifacts).Error
}

// ListArtifacts returns a run's artifacts in creation order.
func (db *DB) ListArtifacts(ctx context.Context, runID string) ([]types.OptimizationArtifact, error) {
	var artifacts []types.OptimizationArtifact
	err := db.WithContext(ctx).
		Where("optimization_run_id = ?", runID).
		Order("created_at ASC").
		Find(&artifacts).Error
	return artifacts, err
}
