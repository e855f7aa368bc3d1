package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// PositionRecord is the database row for one trader's position.
// Decimals are stored as strings so no precision is lost round-tripping.
type PositionRecord struct {
	Trader       string `gorm:"primaryKey"`
	BaseBalance  string
	QuoteBalance string
	RealizedPnL  string
	UpdatedAt    time.Time
}

// TableName overrides the GORM default
func (PositionRecord) TableName() string {
	return "positions"
}

// SnapshotStore persists full ledger snapshots through GORM.
type SnapshotStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenSnapshotDB opens (or creates) the sqlite snapshot database and
// runs migrations.
func OpenSnapshotDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if err := db.AutoMigrate(&PositionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate snapshot schema: %w", err)
	}
	return db, nil
}

// NewSnapshotStore creates a snapshot store backed by the given database.
func NewSnapshotStore(db *gorm.DB, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger.Named("snapshot")}
}

// Save upserts every ledger entry. Entries updated concurrently land in
// this snapshot or the next one; each row is internally consistent.
func (s *SnapshotStore) Save(ctx context.Context, l *Ledger) error {
	positions := l.Snapshot()
	if len(positions) == 0 {
		return nil
	}

	records := make([]PositionRecord, 0, len(positions))
	now := time.Now().UTC()
	for trader, p := range positions {
		records = append(records, PositionRecord{
			Trader:       string(trader),
			BaseBalance:  p.BaseBalance.String(),
			QuoteBalance: p.QuoteBalance.String(),
			RealizedPnL:  p.RealizedPnL.String(),
			UpdatedAt:    now,
		})
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&records).Error; err != nil {
		s.logger.Error("failed to save ledger snapshot", zap.Error(err), zap.Int("entries", len(records)))
		return fmt.Errorf("failed to save ledger snapshot: %w", err)
	}

	s.logger.Debug("ledger snapshot saved", zap.Int("entries", len(records)))
	return nil
}

// Load reads all persisted positions.
func (s *SnapshotStore) Load(ctx context.Context) (map[Trader]Position, error) {
	var records []PositionRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load ledger snapshot: %w", err)
	}

	positions := make(map[Trader]Position, len(records))
	for _, r := range records {
		base, err := decimal.NewFromString(r.BaseBalance)
		if err != nil {
			return nil, fmt.Errorf("corrupt base balance for trader %s: %w", r.Trader, err)
		}
		quote, err := decimal.NewFromString(r.QuoteBalance)
		if err != nil {
			return nil, fmt.Errorf("corrupt quote balance for trader %s: %w", r.Trader, err)
		}
		pnl, err := decimal.NewFromString(r.RealizedPnL)
		if err != nil {
			return nil, fmt.Errorf("corrupt realized pnl for trader %s: %w", r.Trader, err)
		}
		positions[Trader(r.Trader)] = Position{
			BaseBalance:  base,
			QuoteBalance: quote,
			RealizedPnL:  pnl,
		}
	}
	return positions, nil
}
