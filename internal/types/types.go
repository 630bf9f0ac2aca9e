package types

import (
	"time"

	"gorm.io/datatypes"
)

// BookmakerStatus enumerates the operational state of a bookmaker.
type BookmakerStatus string

const (
	BookmakerActive      BookmakerStatus = "active"
	BookmakerInactive    BookmakerStatus = "inactive"
	BookmakerSuspended   BookmakerStatus = "suspended"
	BookmakerMaintenance BookmakerStatus = "maintenance"
)

// Bookmaker is a reference record for a sportsbook feeding the odds store.
type Bookmaker struct {
	ID                  string          `json:"id" gorm:"primaryKey"`
	CanonicalName       string          `json:"canonical_name" gorm:"uniqueIndex;not null"`
	DisplayName         string          `json:"display_name"`
	ShortName           string          `json:"short_name"`
	Status              BookmakerStatus `json:"status" gorm:"default:active"`
	IsTrusted           bool            `json:"is_trusted"`
	ReliabilityScore    *float64        `json:"reliability_score,omitempty"`
	PriorityWeight      float64         `json:"priority_weight" gorm:"default:1.0"`
	IncludeInConsensus  bool            `json:"include_in_consensus" gorm:"default:true"`
	LastSuccessfulFetch *time.Time      `json:"last_successful_fetch,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (Bookmaker) TableName() string { return "bookmakers" }

// OddsSnapshot is one per-bookmaker quote for a proposition, append-only.
type OddsSnapshot struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	PropID          string     `json:"prop_id" gorm:"index:idx_snapshots_prop_captured,priority:1;uniqueIndex:uq_snapshot,priority:1;not null"`
	BookmakerID     string     `json:"bookmaker_id" gorm:"uniqueIndex:uq_snapshot,priority:2;not null"`
	Sport           string     `json:"sport" gorm:"index:idx_snapshots_sport_captured,priority:1"`
	MarketType      string     `json:"market_type"`
	Line            *float64   `json:"line,omitempty"`
	OverAmerican    *int       `json:"over_american,omitempty"`
	UnderAmerican   *int       `json:"under_american,omitempty"`
	OverDecimal     *float64   `json:"over_decimal,omitempty"`
	UnderDecimal    *float64   `json:"under_decimal,omitempty"`
	OverNoVigProb   *float64   `json:"over_no_vig_prob,omitempty"`
	UnderNoVigProb  *float64   `json:"under_no_vig_prob,omitempty"`
	IsAvailable     bool       `json:"is_available" gorm:"default:true"`
	Volume          *int64     `json:"volume,omitempty"`
	CapturedAt      time.Time  `json:"captured_at" gorm:"index:idx_snapshots_prop_captured,priority:2;index:idx_snapshots_sport_captured,priority:2;uniqueIndex:uq_snapshot,priority:3;not null"`
	SourceTimestamp *time.Time `json:"source_timestamp,omitempty"`
}

func (OddsSnapshot) TableName() string { return "odds_snapshots" }

// MovementDirection classifies a line move relative to the prior snapshot.
type MovementDirection string

const (
	MovementUp     MovementDirection = "up"
	MovementDown   MovementDirection = "down"
	MovementStable MovementDirection = "stable"
)

// OddsHistory records line and price movement between consecutive snapshots
// of the same (prop, bookmaker).
type OddsHistory struct {
	ID                  string            `json:"id" gorm:"primaryKey"`
	SnapshotID          string            `json:"snapshot_id" gorm:"index;not null"`
	PropID              string            `json:"prop_id" gorm:"index:idx_history_prop_recorded,priority:1;not null"`
	BookmakerID         string            `json:"bookmaker_id" gorm:"index"`
	Sport               string            `json:"sport" gorm:"index"`
	LineDelta           float64           `json:"line_delta"`
	OverOddsDelta       int               `json:"over_odds_delta"`
	UnderOddsDelta      int               `json:"under_odds_delta"`
	MovementMagnitude   float64           `json:"movement_magnitude"`
	MovementDirection   MovementDirection `json:"movement_direction"`
	IsSignificant       bool              `json:"is_significant"`
	IsSteamMove         bool              `json:"is_steam_move"`
	SteamConfidence     float64           `json:"steam_confidence"`
	ConcurrentBookMoves int               `json:"concurrent_book_moves"`
	RecordedAt          time.Time         `json:"recorded_at" gorm:"index:idx_history_prop_recorded,priority:2;not null"`
}

func (OddsHistory) TableName() string { return "odds_history" }

// BestLineAggregate is the per-prop view of the best currently available
// prices across bookmakers.
type BestLineAggregate struct {
	PropID                 string    `json:"prop_id" gorm:"primaryKey"`
	Sport                  string    `json:"sport" gorm:"index"`
	BestOverAmerican       *int      `json:"best_over_american,omitempty"`
	BestOverBookmakerID    *string   `json:"best_over_bookmaker_id,omitempty"`
	BestOverBookmakerName  *string   `json:"best_over_bookmaker_name,omitempty"`
	BestUnderAmerican      *int      `json:"best_under_american,omitempty"`
	BestUnderBookmakerID   *string   `json:"best_under_bookmaker_id,omitempty"`
	BestUnderBookmakerName *string   `json:"best_under_bookmaker_name,omitempty"`
	ConsensusLine          *float64  `json:"consensus_line,omitempty"`
	ConsensusOverProb      *float64  `json:"consensus_over_prob,omitempty"`
	ConsensusUnderProb     *float64  `json:"consensus_under_prob,omitempty"`
	NumBookmakers          int       `json:"num_bookmakers"`
	LineSpread             float64   `json:"line_spread"`
	ArbitrageOpportunity   bool      `json:"arbitrage_opportunity" gorm:"index"`
	ArbitrageProfitPct     float64   `json:"arbitrage_profit_pct"`
	LastUpdated            time.Time `json:"last_updated"`
	DataAgeMinutes         float64   `json:"data_age_minutes" gorm:"-"`
}

func (BestLineAggregate) TableName() string { return "best_line_aggregates" }

// Edge is a model-derived betting opportunity consumed by the optimizer.
type Edge struct {
	EdgeID               string  `json:"edge_id"`
	PropID               string  `json:"prop_id"`
	PlayerID             string  `json:"player_id,omitempty"`
	Sport                string  `json:"sport,omitempty"`
	MarketType           string  `json:"market_type,omitempty"`
	ProbOver             float64 `json:"prob_over"`
	OfferedLine          float64 `json:"offered_line"`
	FairLine             float64 `json:"fair_line"`
	VolatilityScore      float64 `json:"volatility_score"`
	EV                   float64 `json:"ev"`
	CorrelationClusterID string  `json:"correlation_cluster_id,omitempty"`
}

// ProbUnder is the complement of the over probability.
func (e Edge) ProbUnder() float64 { return 1 - e.ProbOver }

// CorrelationMethod identifies how a correlation structure was computed.
type CorrelationMethod string

const (
	MethodPearson CorrelationMethod = "PEARSON"
	MethodShrunk  CorrelationMethod = "SHRUNK"
	MethodPCA     CorrelationMethod = "PCA"
	MethodHybrid  CorrelationMethod = "HYBRID"
	MethodCopula  CorrelationMethod = "COPULA"
)

// CorrelationFactorModel is a persisted low-rank decomposition of a
// correlation matrix.
type CorrelationFactorModel struct {
	ID                     string            `json:"id" gorm:"primaryKey"`
	Sport                  string            `json:"sport" gorm:"uniqueIndex:uq_factor_model,priority:1"`
	ContextHash            string            `json:"context_hash" gorm:"uniqueIndex:uq_factor_model,priority:2"`
	Method                 CorrelationMethod `json:"method" gorm:"uniqueIndex:uq_factor_model,priority:3"`
	Factors                datatypes.JSON    `json:"factors"`
	Eigenvalues            datatypes.JSON    `json:"eigenvalues"`
	PropIDs                datatypes.JSON    `json:"prop_ids"`
	ExplainedVarianceRatio float64           `json:"explained_variance_ratio"`
	SampleSize             int               `json:"sample_size"`
	VersionTag             string            `json:"version_tag" gorm:"uniqueIndex:uq_factor_model,priority:4"`
	ComputedAt             time.Time         `json:"computed_at"`
}

func (CorrelationFactorModel) TableName() string { return "correlation_factor_models" }

// CorrelationCacheEntry persists warm correlation artifacts between restarts.
type CorrelationCacheEntry struct {
	CacheKey  string         `json:"cache_key" gorm:"primaryKey"`
	EntryType string         `json:"entry_type"`
	Payload   datatypes.JSON `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at" gorm:"index"`
}

func (CorrelationCacheEntry) TableName() string { return "correlation_cache_entries" }

// MonteCarloRun is a persisted simulation result keyed by its input hash.
type MonteCarloRun struct {
	RunKey                string         `json:"run_key" gorm:"primaryKey"`
	LegsCount             int            `json:"legs_count"`
	DrawsRequested        int            `json:"draws_requested"`
	DrawsExecuted         int            `json:"draws_executed"`
	VarianceEstimate      float64        `json:"variance_estimate"`
	EVIndependent         float64        `json:"ev_independent"`
	EVAdjusted            float64        `json:"ev_adjusted"`
	ProbJoint             float64        `json:"prob_joint"`
	DistributionSnapshots datatypes.JSON `json:"distribution_snapshots"`
	Parameters            datatypes.JSON `json:"parameters"`
	CreatedAt             time.Time      `json:"created_at"`
}

func (MonteCarloRun) TableName() string { return "monte_carlo_runs" }

// OptimizationObjective selects the optimizer scoring function.
type OptimizationObjective string

const (
	ObjectiveEV         OptimizationObjective = "EV"
	ObjectiveEVVarRatio OptimizationObjective = "EV_VAR_RATIO"
	ObjectiveTargetProb OptimizationObjective = "TARGET_PROB"
)

// OptimizationStatus is the lifecycle state of an optimization run.
type OptimizationStatus string

const (
	OptimizationRunning OptimizationStatus = "RUNNING"
	OptimizationSuccess OptimizationStatus = "SUCCESS"
	OptimizationFailed  OptimizationStatus = "FAILED"
	OptimizationPartial OptimizationStatus = "PARTIAL"
)

// OptimizationRun is a persisted portfolio search over edge candidates.
type OptimizationRun struct {
	ID                 string                `json:"id" gorm:"primaryKey"`
	Objective          OptimizationObjective `json:"objective"`
	InputEdgeIDs       datatypes.JSON        `json:"input_edge_ids"`
	Constraints        datatypes.JSON        `json:"constraints"`
	Status             OptimizationStatus    `json:"status" gorm:"index"`
	SolutionTicketSets datatypes.JSON        `json:"solution_ticket_sets,omitempty"`
	BestScore          *float64              `json:"best_score,omitempty"`
	ErrorMessage       *string               `json:"error_message,omitempty"`
	DurationMs         int64                 `json:"duration_ms"`
	CreatedAt          time.Time             `json:"created_at"`
}

func (OptimizationRun) TableName() string { return "optimization_runs" }

// ArtifactType classifies optimizer artifacts.
type ArtifactType string

const (
	ArtifactTrace           ArtifactType = "TRACE"
	ArtifactIntermediatePop ArtifactType = "INTERMEDIATE_POP"
	ArtifactHeuristicStep   ArtifactType = "HEURISTIC_STEP"
)

// OptimizationArtifact is an intermediate record owned by an optimization run.
type OptimizationArtifact struct {
	ID                string         `json:"id" gorm:"primaryKey"`
	OptimizationRunID string         `json:"optimization_run_id" gorm:"index;not null"`
	ArtifactType      ArtifactType   `json:"artifact_type"`
	Content           datatypes.JSON `json:"content"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (OptimizationArtifact) TableName() string { return "optimization_artifacts" }
