package syncstate

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/entity"
)

const (
	cursorKey      = "kfy_sync_cursor"
	unsupportedKey = "kfy_unsupported_resources"
)

// Cursor marks where an interrupted sync run resumes: the resource being
// paged, the page within it, and the date window for windowed resources.
type Cursor struct {
	Resource      string `json:"resource"`
	Page          int    `json:"page"`
	IntervalIndex int    `json:"intervalIndex"`
	Done          bool   `json:"done"`
}

// cursorState is the durable value: the cursor plus run diagnostics.
type cursorState struct {
	Cursor    *Cursor         `json:"cursor"`
	LastRunAt time.Time       `json:"lastRunAt"`
	LastStats json.RawMessage `json:"lastStats,omitempty"`
}

// Store persists sync progress in the app_state key-value table so runs
// survive process restarts and budget exhaustion.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
	log   *zap.Logger
}

func New(db *gorm.DB, clk clock.Clock, log *zap.Logger) *Store {
	return &Store{db: db, clock: clk, log: log.Named("syncstate")}
}

// GetSyncCursor returns the persisted cursor, or nil when no run is in
// progress.
func (s *Store) GetSyncCursor(ctx context.Context) (*Cursor, error) {
	var row entity.AppState
	err := s.db.WithContext(ctx).First(&row, "id = ?", cursorKey).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	var state cursorState
	if err := json.Unmarshal(row.Value, &state); err != nil {
		s.log.Warn("cursor_state_corrupt", zap.Error(err))
		return nil, nil
	}
	return state.Cursor, nil
}

// SetSyncCursor stores the cursor along with the stats of the run that
// produced it. A nil cursor records a completed run.
func (s *Store) SetSyncCursor(ctx context.Context, cursor *Cursor, stats any) error {
	state := cursorState{
		Cursor:    cursor,
		LastRunAt: s.clock.Now(),
	}
	if stats != nil {
		encoded, err := json.Marshal(stats)
		if err == nil {
			state.LastStats = encoded
		}
	}
	return s.upsert(ctx, cursorKey, state)
}

// LastRun returns the timestamp and raw stats of the most recent run.
func (s *Store) LastRun(ctx context.Context) (*time.Time, json.RawMessage, error) {
	var row entity.AppState
	err := s.db.WithContext(ctx).First(&row, "id = ?", cursorKey).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var state cursorState
	if err := json.Unmarshal(row.Value, &state); err != nil {
		return nil, nil, nil
	}
	return &state.LastRunAt, state.LastStats, nil
}

// GetUnsupportedResources returns the set of optional resources the
// upstream API answered 404 for. The set only grows; clearing it is an
// operator action against app_state.
func (s *Store) GetUnsupportedResources(ctx context.Context) (map[string]struct{}, error) {
	unsupported := make(map[string]struct{})

	var row entity.AppState
	err := s.db.WithContext(ctx).First(&row, "id = ?", unsupportedKey).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return unsupported, nil
		}
		return nil, err
	}

	var resources []string
	if err := json.Unmarshal(row.Value, &resources); err != nil {
		s.log.Warn("unsupported_state_corrupt", zap.Error(err))
		return unsupported, nil
	}
	for _, resource := range resources {
		unsupported[resource] = struct{}{}
	}
	return unsupported, nil
}

func (s *Store) SetUnsupportedResources(ctx context.Context, resources map[string]struct{}) error {
	list := make([]string, 0, len(resources))
	for resource := range resources {
		list = append(list, resource)
	}
	return s.upsert(ctx, unsupportedKey, list)
}

func (s *Store) upsert(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	row := entity.AppState{
		ID:        key,
		Value:     encoded,
		UpdatedAt: s.clock.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
}
