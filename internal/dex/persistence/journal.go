// Package persistence journals executed fills and closed epochs to SQLite so
// history survives restarts and can be queried offline. The journal is
// write-behind: the in-memory engine is the source of truth during operation.
package persistence

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/model"
)

// FillRow is one executed fill as journaled.
type FillRow struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	Market       string          `gorm:"index:idx_fills_market_epoch"`
	Epoch        uint64          `gorm:"index:idx_fills_market_epoch"`
	MakerOrderID string          `gorm:"size:64"`
	Maker        uuid.UUID       `gorm:"type:uuid;index"`
	Taker        uuid.UUID       `gorm:"type:uuid;index"`
	Price        decimal.Decimal `gorm:"type:decimal(32,16)"`
	BaseQty      decimal.Decimal `gorm:"type:decimal(32,16)"`
	QuoteQty     decimal.Decimal `gorm:"type:decimal(32,16)"`
	MakerFee     decimal.Decimal `gorm:"type:decimal(32,16)"`
	TakerFee     decimal.Decimal `gorm:"type:decimal(32,16)"`
	CreatedAt    time.Time
}

// EpochRow is one closed epoch's aggregates.
type EpochRow struct {
	ID                uint            `gorm:"primaryKey;autoIncrement"`
	Market            string          `gorm:"uniqueIndex:idx_epochs_market_epoch"`
	Epoch             uint64          `gorm:"uniqueIndex:idx_epochs_market_epoch"`
	TotalVolume       decimal.Decimal `gorm:"type:decimal(32,16)"`
	StakedVolume      decimal.Decimal `gorm:"type:decimal(32,16)"`
	FeesCollected     decimal.Decimal `gorm:"type:decimal(32,16)"`
	FeeAssetCollected decimal.Decimal `gorm:"type:decimal(32,16)"`
	RebatesPaid       decimal.Decimal `gorm:"type:decimal(32,16)"`
	Burned            decimal.Decimal `gorm:"type:decimal(32,16)"`
	ClosedAt          time.Time
}

// Journal writes fills and epoch closes through gorm.
type Journal struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (or creates) the journal database and migrates the schema.
// dsn is a SQLite path, or ":memory:" for tests.
func Open(dsn string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "open journal %s", dsn)
	}
	if err := db.AutoMigrate(&FillRow{}, &EpochRow{}); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "migrate journal schema")
	}
	return &Journal{db: db, log: log}, nil
}

// RecordFills journals the fills of one operation in a single transaction.
func (j *Journal) RecordFills(market string, fills []model.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	rows := make([]FillRow, 0, len(fills))
	for _, f := range fills {
		rows = append(rows, FillRow{
			Market:       market,
			Epoch:        f.MakerEpoch,
			MakerOrderID: f.MakerOrderID.String(),
			Maker:        f.Maker,
			Taker:        f.Taker,
			Price:        f.Price,
			BaseQty:      f.BaseQty,
			QuoteQty:     f.QuoteQty,
			MakerFee:     f.MakerFee,
			TakerFee:     f.TakerFee,
			CreatedAt:    time.Now().UTC(),
		})
	}
	if err := j.db.Create(&rows).Error; err != nil {
		return errors.Wrap(errors.CodeInternal, err, "journal %d fills", len(rows))
	}
	return nil
}

// RecordEpoch journals a closed epoch's aggregates.
func (j *Journal) RecordEpoch(market string, epoch uint64, totalVolume, stakedVolume, feesCollected, feeAssetCollected, rebatesPaid, burned decimal.Decimal) error {
	row := EpochRow{
		Market:            market,
		Epoch:             epoch,
		TotalVolume:       totalVolume,
		StakedVolume:      stakedVolume,
		FeesCollected:     feesCollected,
		FeeAssetCollected: feeAssetCollected,
		RebatesPaid:       rebatesPaid,
		Burned:            burned,
		ClosedAt:          time.Now().UTC(),
	}
	if err := j.db.Create(&row).Error; err != nil {
		return errors.Wrap(errors.CodeInternal, err, "journal epoch %d", epoch)
	}
	return nil
}

// FillsForEpoch returns the journaled fills of one market epoch, oldest first.
func (j *Journal) FillsForEpoch(market string, epoch uint64) ([]FillRow, error) {
	var rows []FillRow
	err := j.db.Where("market = ? AND epoch = ?", market, epoch).
		Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "load fills for epoch %d", epoch)
	}
	return rows, nil
}

// Epochs returns the most recent closed epochs for a market, newest first.
func (j *Journal) Epochs(market string, limit int) ([]EpochRow, error) {
	var rows []EpochRow
	err := j.db.Where("market = ?", market).
		Order("epoch desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "load epochs")
	}
	return rows, nil
}

// Close releases the underlying connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
