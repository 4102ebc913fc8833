package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
)

// ReplacementRecord is the audit row for a settled claim. The unique index
// on (business, original product, original serial) is the double-replacement
// barrier: a battery can be replaced once, ever. A second claim races into
// a duplicate-key error no matter how it interleaves.
type ReplacementRecord struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"not null;uniqueIndex:uniq_replaced_serial" json:"business_id"`
	Type       ReplacementType `gorm:"type:enum('G','W');not null" json:"type"`

	OriginalSaleOrderId  int    `gorm:"not null" json:"original_sale_order_id"`
	OriginalSaleLineId   int    `gorm:"not null" json:"original_sale_line_id"`
	OriginalProductId    int    `gorm:"not null;uniqueIndex:uniq_replaced_serial" json:"original_product_id"`
	OriginalSerialNumber string `gorm:"size:100;not null;uniqueIndex:uniq_replaced_serial" json:"original_serial_number"`

	// a guarantee swap raises no invoice, so the sale references stay zero
	NewSaleOrderId  int    `gorm:"not null;default:0" json:"new_sale_order_id"`
	NewSaleLineId   int    `gorm:"not null;default:0" json:"new_sale_line_id"`
	NewProductId    int    `gorm:"not null" json:"new_product_id"`
	NewSerialNumber string `gorm:"size:100;not null" json:"new_serial_number"`

	CustomerId          int             `gorm:"not null" json:"customer_id"`
	MonthsElapsed       int             `gorm:"not null" json:"months_elapsed"`
	MonthsPastGuarantee int             `gorm:"not null;default:0" json:"months_past_guarantee"`
	Mrp                 decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"mrp"`
	GstAmount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"gst_amount"`
	DiscountPercent     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_percent"`
	DiscountAmount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	FinalAmount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"final_amount"`
	Notes               string          `gorm:"size:255" json:"notes"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewReplacement struct {
	SerialNumber    string          `json:"serial_number" binding:"required"`
	NewProductId    int             `json:"new_product_id" binding:"required"`
	NewSerialNumber string          `json:"new_serial_number" binding:"required"`
	Type            ReplacementType `json:"type" binding:"required"`
	SlabId          *int            `json:"slab_id"`
	Notes           string          `json:"notes"`
}

// Replace settles a guarantee or warranty claim in one transaction: verifies
// the original serial was sold here and is still in its coverage window,
// cross-checks the claim type the operator requested against what the dates
// say, then issues the replacement unit. A guarantee swap is free and leaves
// only the barrier record behind; a warranty claim is priced from the
// operator-chosen slab and billed on a fresh one-line sale order inheriting
// the original channel.
func Replace(ctx context.Context, input *NewReplacement) (*ReplacementRecord, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}
	if input.Type != ReplacementTypeGuarantee && input.Type != ReplacementTypeWarranty {
		return nil, utils.Validationf("invalid replacement type")
	}

	db := config.GetDB()

	// locate the original sale
	var line SaleOrderDetail
	err := db.WithContext(ctx).
		Where("business_id = ? AND serial_number = ? AND allocation_state = ?", businessId, input.SerialNumber, AllocationStateBound).
		First(&line).Error
	if err != nil {
		return nil, utils.NotFoundf("no sale found for serial number %q", input.SerialNumber)
	}

	order, err := utils.FetchModel[SaleOrder](ctx, businessId, line.SaleOrderId)
	if err != nil {
		return nil, utils.Inconsistencyf("sale line %d references missing order %d", line.ID, line.SaleOrderId)
	}
	product, err := utils.FetchModel[Product](ctx, businessId, line.ProductId)
	if err != nil {
		return nil, utils.Inconsistencyf("sale line %d references missing product %d", line.ID, line.ProductId)
	}
	customer, err := utils.FetchModel[Customer](ctx, businessId, order.CustomerId)
	if err != nil {
		return nil, utils.Inconsistencyf("sale order %d references missing customer %d", order.ID, order.CustomerId)
	}

	// the replacement may be a different model than the one that failed
	newProduct := product
	if input.NewProductId != product.ID {
		newProduct, err = utils.FetchModel[Product](ctx, businessId, input.NewProductId)
		if err != nil {
			return nil, utils.NotFoundf("replacement product not found")
		}
	}
	if newProduct.IsSerialized == nil || !*newProduct.IsSerialized {
		return nil, utils.Validationf("replacement product %q is not serialized", newProduct.Name)
	}
	if newProduct.ID == line.ProductId && input.NewSerialNumber == input.SerialNumber {
		return nil, utils.Validationf("replacement serial must differ from the original")
	}

	// the sold unit must exist in the ledger; a bound serial without a
	// consumed stock unit means the data lied to someone
	unit, err := findStockUnit(db, ctx, businessId, line.ProductId, input.SerialNumber)
	if err != nil {
		return nil, utils.Inconsistencyf("no stock unit found for sold serial %q", input.SerialNumber)
	}
	if unit.Status != StockUnitStatusConsumed {
		return nil, utils.Inconsistencyf("stock unit for sold serial %q is not consumed", input.SerialNumber)
	}

	window := resolveWarrantyWindow(line.WarrantyCode, product)
	eligibility := EvaluateEligibility(window, order.OrderDate, time.Now())
	if !eligibility.Covered {
		return nil, utils.Validationf("serial number %q is out of coverage (%d months elapsed, %d covered)",
			input.SerialNumber, eligibility.MonthsElapsed, window.TotalMonths)
	}
	// the claim type is derived from the sale date, never taken on faith;
	// a mismatch means the operator is looking at the wrong battery
	if input.Type != eligibility.ReplacementType {
		return nil, utils.Inconsistencyf("requested %s replacement but serial %q is eligible for %s",
			input.Type, input.SerialNumber, eligibility.ReplacementType)
	}

	// pre-check the barrier for a friendly message; the unique index is the
	// real enforcement
	var replacedCount int64
	if err := db.WithContext(ctx).Model(&ReplacementRecord{}).
		Where("business_id = ? AND original_product_id = ? AND original_serial_number = ?", businessId, line.ProductId, input.SerialNumber).
		Count(&replacedCount).Error; err != nil {
		return nil, err
	}
	if replacedCount > 0 {
		return nil, utils.Conflictf("serial number %q was already replaced", input.SerialNumber)
	}

	// pricing: a guarantee swap is free and records no discount at all; a
	// warranty claim is priced from the slab the operator picked at the
	// counter (ResolveDiscountSlab is advisory, for the status screen only)
	mrp := newProduct.Mrp
	gstAmount := gstPortionOfMrp(mrp)
	finalAmount := decimal.Zero
	discountPercent := decimal.Zero
	discountAmount := decimal.Zero
	if eligibility.ReplacementType == ReplacementTypeWarranty {
		if input.SlabId == nil {
			return nil, utils.Validationf("slab_id is required for a warranty replacement")
		}
		slab, err := utils.FetchModel[WarrantySlab](ctx, businessId, *input.SlabId)
		if err != nil {
			return nil, utils.NotFoundf("warranty slab not found")
		}
		if slab.IsActive == nil || !*slab.IsActive {
			return nil, utils.Validationf("warranty slab %d is inactive", slab.ID)
		}
		discountPercent = slab.DiscountPercent
		finalAmount = mrp.Sub(mrp.Mul(discountPercent).DivRound(decimal.NewFromInt(100), 4))
		discountAmount = discountFromMrp(mrp, finalAmount)
	}

	record := ReplacementRecord{
		BusinessId:           businessId,
		Type:                 eligibility.ReplacementType,
		OriginalSaleOrderId:  order.ID,
		OriginalSaleLineId:   line.ID,
		OriginalProductId:    line.ProductId,
		OriginalSerialNumber: input.SerialNumber,
		NewProductId:         newProduct.ID,
		NewSerialNumber:      input.NewSerialNumber,
		CustomerId:           customer.ID,
		MonthsElapsed:        eligibility.MonthsElapsed,
		MonthsPastGuarantee:  eligibility.MonthsPastGuarantee,
		Mrp:                  mrp,
		GstAmount:            gstAmount,
		DiscountPercent:      discountPercent,
		DiscountAmount:       discountAmount,
		FinalAmount:          finalAmount,
		Notes:                input.Notes,
	}

	// only a warranty claim produces a priced sale; a guarantee swap gets
	// no sequence number and no invoice
	var invoiceNumber string
	var newOrder *SaleOrder
	if eligibility.ReplacementType == ReplacementTypeWarranty {
		seqNo, err := utils.GetSequence[SaleOrder](ctx, businessId)
		if err != nil {
			return nil, err
		}
		invoiceNumber = fmt.Sprintf("%s%06d", config.InvoicePrefix(), seqNo)

		now := time.Now()
		newOrder = &SaleOrder{
			BusinessId:     businessId,
			SequenceNo:     seqNo,
			InvoiceNumber:  invoiceNumber,
			CustomerId:     customer.ID,
			CustomerName:   customer.Name,
			CustomerPhone:  customer.Phone,
			Channel:        order.Channel,
			OrderDate:      now,
			TotalAmount:    finalAmount,
			DiscountAmount: discountAmount,
			IsCompleted:    utils.NewTrue(),
			CompletedAt:    &now,
			Details: []*SaleOrderDetail{
				{
					BusinessId:      businessId,
					ProductId:       newProduct.ID,
					ProductName:     newProduct.Name,
					WarrantyCode:    newProduct.WarrantyCode,
					AllocationState: AllocationStateBound,
					SerialNumber:    input.NewSerialNumber,
					Qty:             1,
					Mrp:             mrp,
					FinalAmount:     finalAmount,
					DiscountAmount:  discountAmount,
				},
			},
		}
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if newOrder != nil {
		if err := tx.WithContext(ctx).Create(newOrder).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		newLine := newOrder.Details[0]
		record.NewSaleOrderId = newOrder.ID
		record.NewSaleLineId = newLine.ID

		if err := consumeStockUnit(tx, ctx, businessId, newProduct.ID, input.NewSerialNumber, StockConsumerTypeReplacement, newLine.ID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		tx.Rollback()
		if isDuplicateKeyErr(err) {
			return nil, utils.Conflictf("serial number %q was already replaced", input.SerialNumber)
		}
		return nil, err
	}

	if newOrder == nil {
		// the barrier record itself is the consumer of a free swap
		if err := consumeStockUnit(tx, ctx, businessId, newProduct.ID, input.NewSerialNumber, StockConsumerTypeReplacement, record.ID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := decrementProductQty(tx, ctx, businessId, newProduct.ID, 1); err != nil {
		tx.Rollback()
		return nil, err
	}

	payload := map[string]interface{}{
		"replacement_id":   record.ID,
		"replacement_type": record.Type,
		"original_serial":  record.OriginalSerialNumber,
		"new_serial":       record.NewSerialNumber,
		"final_amount":     finalAmount,
	}
	if invoiceNumber != "" {
		payload["invoice_number"] = invoiceNumber
	}
	if err := EnqueueNotification(ctx, tx, businessId, NotificationKindReplacementDone, customer, payload); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &record, nil
}

func GetReplacements(ctx context.Context, serialNumber *string) ([]*ReplacementRecord, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if serialNumber != nil && *serialNumber != "" {
		dbCtx = dbCtx.Where("original_serial_number = ? OR new_serial_number = ?", *serialNumber, *serialNumber)
	}
	var results []*ReplacementRecord
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
