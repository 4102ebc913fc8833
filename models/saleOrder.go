package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SaleOrder struct {
	ID            int    `gorm:"primary_key" json:"id"`
	BusinessId    string `gorm:"index;not null" json:"business_id"`
	SequenceNo    int64  `gorm:"not null" json:"sequence_no"`
	InvoiceNumber string `gorm:"size:50;not null;index" json:"invoice_number"`
	CustomerId    int    `gorm:"not null" json:"customer_id"`
	// snapshots taken at sale time; later customer edits don't rewrite history
	CustomerName   string             `gorm:"size:100" json:"customer_name"`
	CustomerPhone  string             `gorm:"size:20" json:"customer_phone"`
	Channel        SaleChannel        `gorm:"type:enum('R','W');not null;default:'R'" json:"channel"`
	OrderDate      time.Time          `gorm:"not null" json:"order_date"`
	TotalAmount    decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	DiscountAmount decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	IsCompleted    *bool              `gorm:"not null;default:false" json:"is_completed"`
	CompletedAt    *time.Time         `json:"completed_at"`
	Details        []*SaleOrderDetail `json:"details"`
	CreatedAt      time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// SaleOrderDetail is one line of a sale. Serialized products get one line
// per physical unit (Qty always 1, AllocationState P until a serial is
// bound); non-serialized products keep their quantity on a single N line.
type SaleOrderDetail struct {
	ID          int    `gorm:"primary_key" json:"id"`
	BusinessId  string `gorm:"index;not null" json:"business_id"`
	SaleOrderId int    `gorm:"index;not null" json:"sale_order_id"`
	ProductId   int    `gorm:"not null" json:"product_id"`
	// snapshots at sale time
	ProductName     string          `gorm:"size:100" json:"product_name"`
	WarrantyCode    string          `gorm:"size:20" json:"warranty_code"`
	AllocationState AllocationState `gorm:"type:enum('P','N','B');not null;default:'P'" json:"allocation_state"`
	SerialNumber    string          `gorm:"size:100;index" json:"serial_number"`
	Qty             int             `gorm:"not null;default:1" json:"qty"`
	Mrp             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"mrp"`
	FinalAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"final_amount"`
	DiscountAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave keeps the allocation invariant at the storage boundary:
// a bound line always carries a serial, a pending or non-serialized line
// never does.
func (line *SaleOrderDetail) BeforeSave(tx *gorm.DB) error {
	switch line.AllocationState {
	case AllocationStateBound:
		if line.SerialNumber == "" {
			return utils.Inconsistencyf("bound sale line %d has no serial number", line.ID)
		}
	case AllocationStatePending, AllocationStateNonSerialized:
		if line.SerialNumber != "" {
			return utils.Inconsistencyf("sale line %d in state %s carries serial number %q", line.ID, line.AllocationState, line.SerialNumber)
		}
	}
	return nil
}

type NewSaleOrderLine struct {
	ProductId   int             `json:"product_id" binding:"required"`
	Qty         int             `json:"qty"`
	FinalAmount decimal.Decimal `json:"final_amount"`
}

type NewSaleOrder struct {
	CustomerId int                 `json:"customer_id" binding:"required"`
	Channel    SaleChannel         `json:"channel"`
	OrderDate  *time.Time          `json:"order_date"`
	Lines      []*NewSaleOrderLine `json:"lines" binding:"required"`
}

// discountFromMrp is the stored discount on a line: the gap between list
// price and what the customer actually pays, floored at zero so selling
// above MRP never records a negative discount.
func discountFromMrp(mrp decimal.Decimal, finalAmount decimal.Decimal) decimal.Decimal {
	discount := mrp.Sub(finalAmount)
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}

// defaultUnitPrice picks the channel price when the operator didn't
// negotiate one.
func defaultUnitPrice(product *Product, channel SaleChannel) decimal.Decimal {
	if channel == SaleChannelWholesale && !product.WholesalePrice.IsZero() {
		return product.WholesalePrice
	}
	return product.Mrp
}

func (input *NewSaleOrder) validate(ctx context.Context, businessId string) error {
	if len(input.Lines) == 0 {
		return utils.Validationf("at least one line is required")
	}
	if input.Channel == "" {
		input.Channel = SaleChannelRetail
	}
	if input.Channel != SaleChannelRetail && input.Channel != SaleChannelWholesale {
		return utils.Validationf("invalid sale channel")
	}
	for _, line := range input.Lines {
		if line.Qty < 0 {
			return utils.Validationf("line qty cannot be negative")
		}
		if line.Qty == 0 {
			line.Qty = 1
		}
		if line.FinalAmount.IsNegative() {
			return utils.Validationf("line final amount cannot be negative")
		}
	}

	if err := utils.ValidateResourceId[Customer](ctx, businessId, input.CustomerId); err != nil {
		return utils.NotFoundf("customer not found")
	}

	productIds := make([]int, 0, len(input.Lines))
	for _, line := range input.Lines {
		productIds = append(productIds, line.ProductId)
	}
	rules := []utils.ValidationRule[int]{
		{
			Model:   Product{},
			Ids:     productIds,
			Message: "product not found",
			Filter:  utils.Filter{Cond: "business_id = ? AND is_active = ?", Values: []interface{}{businessId, true}},
		},
	}
	if err := utils.MassValidateResourceIds(ctx, rules); err != nil {
		return err
	}

	return nil
}

// CreateSaleOrder records a sale at the counter. Serialized lines start as
// placeholders: the invoice is priced and handed to the customer right away,
// the storeroom binds serials later via AssignSerials. Non-serialized lines
// ship immediately and draw down the counter in the same transaction.
func CreateSaleOrder(ctx context.Context, input *NewSaleOrder) (*SaleOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	customer, err := utils.FetchModel[Customer](ctx, businessId, input.CustomerId)
	if err != nil {
		return nil, utils.NotFoundf("customer not found")
	}

	orderDate := time.Now()
	if input.OrderDate != nil {
		orderDate = *input.OrderDate
	}

	seqNo, err := utils.GetSequence[SaleOrder](ctx, businessId)
	if err != nil {
		return nil, err
	}
	invoiceNumber := fmt.Sprintf("%s%06d", config.InvoicePrefix(), seqNo)

	var details []*SaleOrderDetail
	totalAmount := decimal.Zero
	totalDiscount := decimal.Zero
	for _, line := range input.Lines {
		product, err := utils.FetchModel[Product](ctx, businessId, line.ProductId)
		if err != nil {
			return nil, utils.NotFoundf("product not found")
		}

		unitPrice := line.FinalAmount
		if unitPrice.IsZero() {
			unitPrice = defaultUnitPrice(product, input.Channel)
		}
		unitDiscount := discountFromMrp(product.Mrp, unitPrice)

		if product.IsSerialized != nil && *product.IsSerialized {
			// one placeholder line per physical unit
			for i := 0; i < line.Qty; i++ {
				details = append(details, &SaleOrderDetail{
					BusinessId:      businessId,
					ProductId:       product.ID,
					ProductName:     product.Name,
					WarrantyCode:    product.WarrantyCode,
					AllocationState: AllocationStatePending,
					Qty:             1,
					Mrp:             product.Mrp,
					FinalAmount:     unitPrice,
					DiscountAmount:  unitDiscount,
				})
				totalAmount = totalAmount.Add(unitPrice)
				totalDiscount = totalDiscount.Add(unitDiscount)
			}
		} else {
			qty := decimal.NewFromInt(int64(line.Qty))
			details = append(details, &SaleOrderDetail{
				BusinessId:      businessId,
				ProductId:       product.ID,
				ProductName:     product.Name,
				WarrantyCode:    product.WarrantyCode,
				AllocationState: AllocationStateNonSerialized,
				Qty:             line.Qty,
				Mrp:             product.Mrp,
				FinalAmount:     unitPrice,
				DiscountAmount:  unitDiscount,
			})
			totalAmount = totalAmount.Add(unitPrice.Mul(qty))
			totalDiscount = totalDiscount.Add(unitDiscount.Mul(qty))
		}
	}

	hasPending := false
	for _, detail := range details {
		if detail.AllocationState == AllocationStatePending {
			hasPending = true
			break
		}
	}

	order := SaleOrder{
		BusinessId:     businessId,
		SequenceNo:     seqNo,
		InvoiceNumber:  invoiceNumber,
		CustomerId:     customer.ID,
		CustomerName:   customer.Name,
		CustomerPhone:  customer.Phone,
		Channel:        input.Channel,
		OrderDate:      orderDate,
		TotalAmount:    totalAmount,
		DiscountAmount: totalDiscount,
		IsCompleted:    utils.NewFalse(),
		Details:        details,
	}
	// an order with no serialized lines has nothing left to allocate
	if !hasPending {
		now := time.Now()
		order.IsCompleted = utils.NewTrue()
		order.CompletedAt = &now
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// non-serialized lines ship now; draw down the counters
	for _, detail := range order.Details {
		if detail.AllocationState == AllocationStateNonSerialized {
			if err := decrementProductQty(tx, ctx, businessId, detail.ProductId, detail.Qty); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &order, nil
}

type SerialAssignment struct {
	LineId       int    `json:"line_id" binding:"required"`
	SerialNumber string `json:"serial_number" binding:"required"`
	// FinalAmount lets the storeroom honor a price renegotiated after the
	// invoice was printed; nil keeps the amount quoted at sale time.
	FinalAmount *decimal.Decimal `json:"final_amount"`
}

type AssignSerialsInput struct {
	Assignments []*SerialAssignment `json:"assignments" binding:"required"`
}

// AssignSerials binds physical serials to an order's placeholder lines in a
// single transaction. Each binding consumes exactly one available stock unit;
// a serial that was already taken, bound elsewhere, or doesn't exist fails
// the whole batch. When the last placeholder is bound the order flips to
// completed and an order-ready notification is queued for dispatch.
//
// Concurrent operators working different lines need no coordination: the
// status guard on stock units and the state guard on lines make each flip
// at-most-once at the storage layer.
func AssignSerials(ctx context.Context, orderId int, input *AssignSerialsInput) (*SaleOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	if len(input.Assignments) == 0 {
		return nil, utils.Validationf("at least one assignment is required")
	}
	lineIds := make([]int, 0, len(input.Assignments))
	serials := make([]string, 0, len(input.Assignments))
	for _, a := range input.Assignments {
		if a.SerialNumber == "" {
			return nil, utils.Validationf("serial number is required")
		}
		if a.FinalAmount != nil && a.FinalAmount.IsNegative() {
			return nil, utils.Validationf("final amount cannot be negative")
		}
		lineIds = append(lineIds, a.LineId)
		serials = append(serials, a.SerialNumber)
	}
	if len(utils.UniqueSlice(lineIds)) != len(lineIds) {
		return nil, utils.Validationf("duplicate line ids in request")
	}
	if len(utils.UniqueSlice(serials)) != len(serials) {
		return nil, utils.Validationf("duplicate serial numbers in request")
	}

	order, err := utils.FetchModel[SaleOrder](ctx, businessId, orderId)
	if err != nil {
		return nil, utils.NotFoundf("sale order not found")
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	for _, assignment := range input.Assignments {
		if err := bindSerialToLine(tx, ctx, businessId, order, assignment); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	// resync the header money snapshot; a renegotiated line price changes
	// the order total too
	var sums struct {
		Total    decimal.Decimal
		Discount decimal.Decimal
	}
	if err := tx.WithContext(ctx).Model(&SaleOrderDetail{}).
		Select("COALESCE(SUM(final_amount * qty), 0) AS total, COALESCE(SUM(discount_amount * qty), 0) AS discount").
		Where("business_id = ? AND sale_order_id = ?", businessId, orderId).
		Scan(&sums).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&SaleOrder{}).
		Where("business_id = ? AND id = ?", businessId, orderId).
		Updates(map[string]interface{}{
			"total_amount":    sums.Total,
			"discount_amount": sums.Discount,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// completion check: no placeholder left means the storeroom is done
	var pendingCount int64
	if err := tx.WithContext(ctx).Model(&SaleOrderDetail{}).
		Where("business_id = ? AND sale_order_id = ? AND allocation_state = ?", businessId, orderId, AllocationStatePending).
		Count(&pendingCount).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if pendingCount == 0 && order.IsCompleted != nil && !*order.IsCompleted {
		now := time.Now()
		if err := tx.WithContext(ctx).Model(&SaleOrder{}).
			Where("business_id = ? AND id = ?", businessId, orderId).
			Updates(map[string]interface{}{
				"is_completed": true,
				"completed_at": now,
			}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}

		customer, err := utils.FetchModel[Customer](ctx, businessId, order.CustomerId)
		if err != nil {
			tx.Rollback()
			return nil, utils.Inconsistencyf("sale order %d references missing customer %d", orderId, order.CustomerId)
		}
		payload := map[string]interface{}{
			"invoice_number": order.InvoiceNumber,
			"sale_order_id":  order.ID,
		}
		if err := EnqueueNotification(ctx, tx, businessId, NotificationKindOrderReady, customer, payload); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetSaleOrder(ctx, orderId)
}

func bindSerialToLine(tx *gorm.DB, ctx context.Context, businessId string, order *SaleOrder, assignment *SerialAssignment) error {
	var line SaleOrderDetail
	err := tx.WithContext(ctx).
		Where("business_id = ? AND sale_order_id = ? AND id = ?", businessId, order.ID, assignment.LineId).
		First(&line).Error
	if err != nil {
		return utils.NotFoundf("sale line %d not found on order %d", assignment.LineId, order.ID)
	}

	switch line.AllocationState {
	case AllocationStateNonSerialized:
		return utils.Validationf("sale line %d does not take a serial number", line.ID)
	case AllocationStateBound:
		// bound lines are immutable; correcting a wrong serial goes through
		// a replacement, never an in-place rebind
		return utils.Conflictf("sale line %d is already bound to serial %q", line.ID, line.SerialNumber)
	}

	// cross-check: the ledger is the truth for consumption, but naming the
	// clashing invoice beats a bare "already consumed"
	var boundElsewhere SaleOrderDetail
	err = tx.WithContext(ctx).
		Where("business_id = ? AND product_id = ? AND serial_number = ? AND allocation_state = ?",
			businessId, line.ProductId, assignment.SerialNumber, AllocationStateBound).
		First(&boundElsewhere).Error
	if err == nil {
		var clashingOrder SaleOrder
		if err := tx.WithContext(ctx).First(&clashingOrder, boundElsewhere.SaleOrderId).Error; err == nil {
			return utils.Conflictf("serial number %q already sold on invoice %s", assignment.SerialNumber, clashingOrder.InvoiceNumber)
		}
		return utils.Conflictf("serial number %q already sold", assignment.SerialNumber)
	}

	if err := consumeStockUnit(tx, ctx, businessId, line.ProductId, assignment.SerialNumber, StockConsumerTypeSaleLine, line.ID); err != nil {
		return err
	}

	// recompute the money fields from the snapshot; the state guard in WHERE
	// makes a raced double-bind lose cleanly
	finalAmount := line.FinalAmount
	if assignment.FinalAmount != nil {
		finalAmount = *assignment.FinalAmount
	}
	discount := discountFromMrp(line.Mrp, finalAmount)
	result := tx.WithContext(ctx).Model(&SaleOrderDetail{}).
		Where("business_id = ? AND id = ? AND allocation_state = ?", businessId, line.ID, AllocationStatePending).
		Updates(map[string]interface{}{
			"serial_number":    assignment.SerialNumber,
			"allocation_state": AllocationStateBound,
			"final_amount":     finalAmount,
			"discount_amount":  discount,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Conflictf("sale line %d was bound by another operator", line.ID)
	}

	if err := decrementProductQty(tx, ctx, businessId, line.ProductId, 1); err != nil {
		return err
	}

	return nil
}

func GetSaleOrder(ctx context.Context, id int) (*SaleOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}
	return utils.FetchModel[SaleOrder](ctx, businessId, id, "Details")
}

func GetSaleOrders(ctx context.Context, pendingOnly bool) ([]*SaleOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId).Preload("Details")
	if pendingOnly {
		dbCtx = dbCtx.Where("is_completed = ?", false)
	}
	var results []*SaleOrder
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
