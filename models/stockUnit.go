package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// StockUnit is one physical serialized battery on the shelf. The unique key
// on (business, product, serial) is the ground truth for "a serial exists
// exactly once per product"; everything else cross-checks against it.
type StockUnit struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null;uniqueIndex:uniq_stock_serial" json:"business_id"`
	ProductId    int             `gorm:"not null;uniqueIndex:uniq_stock_serial" json:"product_id"`
	SerialNumber string          `gorm:"size:100;not null;uniqueIndex:uniq_stock_serial" json:"serial_number"`
	Status       StockUnitStatus `gorm:"type:enum('A','C');not null;default:'A'" json:"status"`
	// set when Status flips to consumed
	ConsumerType *StockConsumerType `gorm:"type:enum('SL','RP')" json:"consumer_type"`
	ConsumerId   *int               `json:"consumer_id"`
	ConsumedAt   *time.Time         `json:"consumed_at"`
	CreatedAt    time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStockUnits struct {
	SerialNumbers []string `json:"serial_numbers" binding:"required"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// AddStockUnits books a delivery of serialized units into the ledger and
// bumps the product's on-hand counter in the same transaction.
func AddStockUnits(ctx context.Context, productId int, input *NewStockUnits) ([]*StockUnit, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	if len(input.SerialNumbers) == 0 {
		return nil, utils.Validationf("at least one serial number is required")
	}
	unique := utils.UniqueSlice(input.SerialNumbers)
	if len(unique) != len(input.SerialNumbers) {
		return nil, utils.Validationf("duplicate serial numbers in request")
	}
	for _, serial := range input.SerialNumbers {
		if serial == "" {
			return nil, utils.Validationf("serial number cannot be empty")
		}
	}

	product, err := utils.FetchModel[Product](ctx, businessId, productId)
	if err != nil {
		return nil, utils.NotFoundf("product not found")
	}
	if product.IsSerialized == nil || !*product.IsSerialized {
		return nil, utils.Validationf("product %d is not serialized", productId)
	}

	units := make([]*StockUnit, 0, len(input.SerialNumbers))
	for _, serial := range input.SerialNumbers {
		units = append(units, &StockUnit{
			BusinessId:   businessId,
			ProductId:    productId,
			SerialNumber: serial,
			Status:       StockUnitStatusAvailable,
		})
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.WithContext(ctx).Create(&units).Error; err != nil {
		tx.Rollback()
		if isDuplicateKeyErr(err) {
			return nil, utils.Conflictf("one or more serial numbers already exist for product %d", productId)
		}
		return nil, err
	}

	if err := incrementProductQty(tx, ctx, businessId, productId, len(units)); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return units, nil
}

func GetStockUnits(ctx context.Context, productId int, status *StockUnitStatus) ([]*StockUnit, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ?", businessId, productId)
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	var results []*StockUnit
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// findStockUnit loads a unit by its natural key inside the caller's tx.
func findStockUnit(tx *gorm.DB, ctx context.Context, businessId string, productId int, serialNumber string) (*StockUnit, error) {
	var unit StockUnit
	err := tx.WithContext(ctx).
		Where("business_id = ? AND product_id = ? AND serial_number = ?", businessId, productId, serialNumber).
		First(&unit).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &unit, nil
}

// consumeStockUnit flips a unit from available to consumed. The status guard
// in WHERE makes the flip at-most-once: when two operators race for the same
// serial, exactly one UPDATE matches a row and the loser gets a conflict.
func consumeStockUnit(tx *gorm.DB, ctx context.Context, businessId string, productId int, serialNumber string, consumerType StockConsumerType, consumerId int) error {
	now := time.Now()
	result := tx.WithContext(ctx).Model(&StockUnit{}).
		Where("business_id = ? AND product_id = ? AND serial_number = ? AND status = ?",
			businessId, productId, serialNumber, StockUnitStatusAvailable).
		Updates(map[string]interface{}{
			"status":        StockUnitStatusConsumed,
			"consumer_type": consumerType,
			"consumer_id":   consumerId,
			"consumed_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// either the serial doesn't exist for this product, or it was
		// consumed already; tell the caller which
		unit, err := findStockUnit(tx, ctx, businessId, productId, serialNumber)
		if err != nil {
			return utils.NotFoundf("serial number %q not found for product %d", serialNumber, productId)
		}
		if unit.Status == StockUnitStatusConsumed {
			return utils.Conflictf("serial number %q is already consumed", serialNumber)
		}
		return utils.Conflictf("serial number %q could not be consumed", serialNumber)
	}
	return nil
}
