package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;not null" json:"business_id"`
	Name       string `gorm:"size:100;not null" json:"name"`
	Sku        string `gorm:"size:50" json:"sku"`
	// WarrantyCode like "24F+24P". Empty means no coverage.
	WarrantyCode string `gorm:"size:20" json:"warranty_code"`
	// GuaranteePeriodMonths is the legacy plain-guarantee field kept for
	// products migrated from the old system. WarrantyCode wins when both set.
	GuaranteePeriodMonths int             `gorm:"default:0" json:"guarantee_period_months"`
	Mrp                   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"mrp"`
	WholesalePrice        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"wholesale_price"`
	IsSerialized          *bool           `gorm:"not null;default:true" json:"is_serialized"`
	QuantityOnHand        int             `gorm:"default:0" json:"quantity_on_hand"`
	IsActive              *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name                  string          `json:"name" binding:"required"`
	Sku                   string          `json:"sku"`
	WarrantyCode          string          `json:"warranty_code"`
	GuaranteePeriodMonths int             `json:"guarantee_period_months"`
	Mrp                   decimal.Decimal `json:"mrp" binding:"required"`
	WholesalePrice        decimal.Decimal `json:"wholesale_price"`
	IsSerialized          *bool           `json:"is_serialized"`
}

func (input *NewProduct) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Product](ctx, businessId, id); err != nil {
			return utils.NotFoundf("product not found")
		}
	}
	// validate unique name
	if err := utils.ValidateUnique[Product](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	if input.Sku != "" {
		if err := utils.ValidateUnique[Product](ctx, businessId, "sku", input.Sku, id); err != nil {
			return err
		}
	}
	// warranty code must parse before it can be snapshotted onto sale lines
	if !IsValidWarrantyCode(input.WarrantyCode) {
		return utils.Validationf("invalid warranty code %q", input.WarrantyCode)
	}
	if input.GuaranteePeriodMonths < 0 {
		return utils.Validationf("guarantee_period_months cannot be negative")
	}
	if input.Mrp.IsNegative() {
		return utils.Validationf("mrp cannot be negative")
	}
	if input.WholesalePrice.IsNegative() {
		return utils.Validationf("wholesale_price cannot be negative")
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	isSerialized := input.IsSerialized
	if isSerialized == nil {
		isSerialized = utils.NewTrue()
	}

	product := Product{
		BusinessId:            businessId,
		Name:                  input.Name,
		Sku:                   input.Sku,
		WarrantyCode:          input.WarrantyCode,
		GuaranteePeriodMonths: input.GuaranteePeriodMonths,
		Mrp:                   input.Mrp,
		WholesalePrice:        input.WholesalePrice,
		IsSerialized:          isSerialized,
		IsActive:              utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}

	if err := utils.RemoveRedisList[Product](businessId); err != nil {
		return nil, err
	}

	return &product, nil
}

func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, utils.NotFoundf("product not found")
	}

	// Switching a serialized product to non-serialized would orphan its
	// stock units and bound lines.
	if input.IsSerialized != nil && !*input.IsSerialized && *product.IsSerialized {
		count, err := utils.ResourceCountWhere[StockUnit](ctx, businessId, "product_id = ?", id)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, utils.Conflictf("cannot mark product non-serialized: stock units exist")
		}
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&product).Updates(map[string]interface{}{
		"Name":                  input.Name,
		"Sku":                   input.Sku,
		"WarrantyCode":          input.WarrantyCode,
		"GuaranteePeriodMonths": input.GuaranteePeriodMonths,
		"Mrp":                   input.Mrp,
		"WholesalePrice":        input.WholesalePrice,
		"IsSerialized":          input.IsSerialized,
	}).Error
	if err != nil {
		return nil, err
	}

	if err := utils.RemoveRedisList[Product](businessId); err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisItem[Product](id); err != nil {
		return nil, err
	}

	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}
	return utils.FetchModel[Product](ctx, businessId, id)
}

func GetProducts(ctx context.Context, name *string) ([]*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	db := config.GetDB()
	var results []*Product
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func ToggleActiveProduct(ctx context.Context, id int, isActive bool) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, utils.NotFoundf("product not found")
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&product).Update("is_active", isActive).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[Product](businessId); err != nil {
		return nil, err
	}
	return product, nil
}

// decrementProductQty moves the on-hand counter down inside the caller's
// transaction. The qty guard in WHERE keeps the counter from going negative
// under concurrent consumers; RowsAffected==0 means someone else took the
// last unit.
func decrementProductQty(tx *gorm.DB, ctx context.Context, businessId string, productId int, qty int) error {
	result := tx.WithContext(ctx).Model(&Product{}).
		Where("business_id = ? AND id = ? AND quantity_on_hand >= ?", businessId, productId, qty).
		Update("quantity_on_hand", gorm.Expr("quantity_on_hand - ?", qty))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Conflictf("insufficient stock for product %d", productId)
	}
	return nil
}

func incrementProductQty(tx *gorm.DB, ctx context.Context, businessId string, productId int, qty int) error {
	return tx.WithContext(ctx).Model(&Product{}).
		Where("business_id = ? AND id = ?", businessId, productId).
		Update("quantity_on_hand", gorm.Expr("quantity_on_hand + ?", qty)).Error
}

// RecountProductQty rebuilds the on-hand counter from the stock unit rows.
// Counter drift should not happen; this is the operator's repair tool when
// it does.
func RecountProductQty(ctx context.Context, productId int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	product, err := utils.FetchModel[Product](ctx, businessId, productId)
	if err != nil {
		return nil, utils.NotFoundf("product not found")
	}

	db := config.GetDB()
	var available int64
	if err := db.WithContext(ctx).Model(&StockUnit{}).
		Where("business_id = ? AND product_id = ? AND status = ?", businessId, productId, StockUnitStatusAvailable).
		Count(&available).Error; err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).Model(&product).
		Update("quantity_on_hand", available).Error; err != nil {
		return nil, err
	}
	product.QuantityOnHand = int(available)

	return product, nil
}
