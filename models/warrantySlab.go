package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
)

// WarrantySlab maps "months past the guarantee window" to the pro-rata
// discount a claim earns. MaxMonths is nil for the open-ended last slab.
type WarrantySlab struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	MinMonths       int             `gorm:"not null" json:"min_months"`
	MaxMonths       *int            `json:"max_months"`
	DiscountPercent decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"discount_percent"`
	IsActive        *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewWarrantySlab struct {
	MinMonths       int             `json:"min_months"`
	MaxMonths       *int            `json:"max_months"`
	DiscountPercent decimal.Decimal `json:"discount_percent" binding:"required"`
}

func (input *NewWarrantySlab) validate() error {
	if input.MinMonths < 0 {
		return utils.Validationf("min_months cannot be negative")
	}
	if input.MaxMonths != nil && *input.MaxMonths < input.MinMonths {
		return utils.Validationf("max_months cannot be less than min_months")
	}
	if input.DiscountPercent.IsNegative() || input.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return utils.Validationf("discount_percent must be between 0 and 100")
	}
	return nil
}

func (s *WarrantySlab) matches(monthsPastGuarantee int) bool {
	if monthsPastGuarantee < s.MinMonths {
		return false
	}
	if s.MaxMonths != nil && monthsPastGuarantee > *s.MaxMonths {
		return false
	}
	return true
}

// PickDiscountSlab selects the slab whose band contains monthsPastGuarantee.
// Slab bands are allowed to overlap after manual edits; when they do, the
// customer gets the benefit of the doubt and the highest discount wins.
// Returns nil when no slab matches.
func PickDiscountSlab(slabs []*WarrantySlab, monthsPastGuarantee int) *WarrantySlab {
	var best *WarrantySlab
	for _, slab := range slabs {
		if slab.IsActive != nil && !*slab.IsActive {
			continue
		}
		if !slab.matches(monthsPastGuarantee) {
			continue
		}
		if best == nil || slab.DiscountPercent.GreaterThan(best.DiscountPercent) {
			best = slab
		}
	}
	return best
}

// ResolveDiscountSlab loads the business's slab table (redis-cached) and
// picks the applicable slab. A nil result is not an error: a claim outside
// every band simply earns no discount.
func ResolveDiscountSlab(ctx context.Context, businessId string, monthsPastGuarantee int) (*WarrantySlab, error) {
	slabs, err := listWarrantySlabs(ctx, businessId)
	if err != nil {
		return nil, err
	}
	return PickDiscountSlab(slabs, monthsPastGuarantee), nil
}

// read slab list, redis or db, cache result
func listWarrantySlabs(ctx context.Context, businessId string) ([]*WarrantySlab, error) {
	results, err := utils.RetrieveRedisList[WarrantySlab](businessId)
	if err != nil {
		return nil, err
	}
	// if not exists in redis
	if results == nil {
		results, err = utils.FetchAllModels[WarrantySlab](ctx, businessId)
		if err != nil {
			return nil, err
		}
		// caching
		if err := utils.StoreRedisList[WarrantySlab](results, businessId); err != nil {
			return nil, err
		}
	}

	return results, nil
}

func GetWarrantySlabs(ctx context.Context) ([]*WarrantySlab, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}
	return listWarrantySlabs(ctx, businessId)
}

func CreateWarrantySlab(ctx context.Context, input *NewWarrantySlab) (*WarrantySlab, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}

	slab := WarrantySlab{
		BusinessId:      businessId,
		MinMonths:       input.MinMonths,
		MaxMonths:       input.MaxMonths,
		DiscountPercent: input.DiscountPercent,
		IsActive:        utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&slab).Error; err != nil {
		return nil, err
	}

	if err := utils.RemoveRedisList[WarrantySlab](businessId); err != nil {
		return nil, err
	}

	return &slab, nil
}

func UpdateWarrantySlab(ctx context.Context, id int, input *NewWarrantySlab) (*WarrantySlab, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}

	slab, err := utils.FetchModel[WarrantySlab](ctx, businessId, id)
	if err != nil {
		return nil, utils.NotFoundf("warranty slab not found")
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&slab).Updates(map[string]interface{}{
		"MinMonths":       input.MinMonths,
		"MaxMonths":       input.MaxMonths,
		"DiscountPercent": input.DiscountPercent,
	}).Error
	if err != nil {
		return nil, err
	}

	if err := utils.RemoveRedisList[WarrantySlab](businessId); err != nil {
		return nil, err
	}

	return slab, nil
}

func ToggleActiveWarrantySlab(ctx context.Context, id int, isActive bool) (*WarrantySlab, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	slab, err := utils.FetchModel[WarrantySlab](ctx, businessId, id)
	if err != nil {
		return nil, utils.NotFoundf("warranty slab not found")
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&slab).Update("is_active", isActive).Error; err != nil {
		return nil, err
	}

	if err := utils.RemoveRedisList[WarrantySlab](businessId); err != nil {
		return nil, err
	}

	return slab, nil
}
