package models

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
)

// WarrantyWindow is the parsed form of a warranty code like "24F+24P":
// 24 months free (guarantee) plus 24 months pro-rata (warranty).
// A zero window means no coverage at all.
type WarrantyWindow struct {
	GuaranteeMonths int `json:"guarantee_months"`
	ProRataMonths   int `json:"pro_rata_months"`
	TotalMonths     int `json:"total_months"`
}

func (w WarrantyWindow) IsZero() bool {
	return w.TotalMonths == 0
}

var warrantyCodePattern = regexp.MustCompile(`^(\d+)F(\+(\d+)P)?$`)

// ParseWarrantyCode parses "<n>F" or "<n>F+<m>P" codes. The parser is total:
// anything it cannot read, including legacy junk on migrated rows, yields the
// zero window. Unknown terms mean no coverage; keeping bad codes out of the
// database is the job of IsValidWarrantyCode at input time.
func ParseWarrantyCode(code string) WarrantyWindow {
	matches := warrantyCodePattern.FindStringSubmatch(strings.TrimSpace(code))
	if matches == nil {
		return WarrantyWindow{}
	}

	free, _ := strconv.Atoi(matches[1])
	proRata := 0
	if matches[3] != "" {
		proRata, _ = strconv.Atoi(matches[3])
	}

	return WarrantyWindow{
		GuaranteeMonths: free,
		ProRataMonths:   proRata,
		TotalMonths:     free + proRata,
	}
}

// IsValidWarrantyCode reports whether a code may be stored on a product.
// Empty is allowed: a product without coverage is legal.
func IsValidWarrantyCode(code string) bool {
	return code == "" || warrantyCodePattern.MatchString(code)
}

// MonthsElapsed counts whole calendar months between two dates,
// ignoring the day-of-month on both sides. A sale on Jan 31 and a claim
// on Feb 1 count as one month. Never negative.
func MonthsElapsed(from time.Time, to time.Time) int {
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if months < 0 {
		return 0
	}
	return months
}

type EligibilityResult struct {
	Covered             bool            `json:"covered"`
	ReplacementType     ReplacementType `json:"replacement_type,omitempty"`
	MonthsElapsed       int             `json:"months_elapsed"`
	MonthsPastGuarantee int             `json:"months_past_guarantee"`
	Window              WarrantyWindow  `json:"window"`
}

// EvaluateEligibility classifies a claim against the coverage window.
// The guarantee boundary is inclusive: monthsElapsed == GuaranteeMonths
// still qualifies for a free replacement. Past that, the claim falls in
// the pro-rata band up to and including TotalMonths. MonthsPastGuarantee
// is reported whether or not the claim is covered, so slab lookups and
// audit rows always agree on the arithmetic.
func EvaluateEligibility(window WarrantyWindow, saleDate time.Time, asOf time.Time) EligibilityResult {
	elapsed := MonthsElapsed(saleDate, asOf)
	result := EligibilityResult{
		MonthsElapsed: elapsed,
		Window:        window,
	}
	if past := elapsed - window.GuaranteeMonths; past > 0 {
		result.MonthsPastGuarantee = past
	}

	if window.IsZero() {
		return result
	}

	if elapsed <= window.GuaranteeMonths {
		result.Covered = true
		result.ReplacementType = ReplacementTypeGuarantee
		return result
	}
	if elapsed <= window.TotalMonths {
		result.Covered = true
		result.ReplacementType = ReplacementTypeWarranty
		return result
	}

	return result
}

// resolveWarrantyWindow picks the coverage terms for a sold line.
// The snapshot taken at sale time wins; the product's current code is
// only a fallback for lines sold before snapshots existed. Products
// migrated from the old system may carry only a plain guarantee period.
// A snapshot that doesn't parse stays authoritative: it degrades to no
// coverage rather than silently picking up the product's current terms.
func resolveWarrantyWindow(lineWarrantyCode string, product *Product) WarrantyWindow {
	if strings.TrimSpace(lineWarrantyCode) != "" {
		return ParseWarrantyCode(lineWarrantyCode)
	}
	if strings.TrimSpace(product.WarrantyCode) != "" {
		return ParseWarrantyCode(product.WarrantyCode)
	}
	if product.GuaranteePeriodMonths > 0 {
		return WarrantyWindow{
			GuaranteeMonths: product.GuaranteePeriodMonths,
			TotalMonths:     product.GuaranteePeriodMonths,
		}
	}
	return WarrantyWindow{}
}

var gstRate = decimal.NewFromInt(18)

// gstPortionOfMrp extracts the tax baked into an MRP-inclusive price:
// MRP * rate / (100 + rate), rounded to 4 places.
func gstPortionOfMrp(mrp decimal.Decimal) decimal.Decimal {
	return mrp.Mul(gstRate).DivRound(gstRate.Add(decimal.NewFromInt(100)), 4)
}

type BatteryStatus struct {
	SerialNumber   string            `json:"serial_number"`
	ProductId      int               `json:"product_id"`
	ProductName    string            `json:"product_name"`
	CustomerId     int               `json:"customer_id"`
	CustomerName   string            `json:"customer_name"`
	SaleOrderId    int               `json:"sale_order_id"`
	InvoiceNumber  string            `json:"invoice_number"`
	SaleDate       time.Time         `json:"sale_date"`
	Eligibility    EligibilityResult `json:"eligibility"`
	Mrp            decimal.Decimal   `json:"mrp"`
	DiscountSlab   *WarrantySlab     `json:"discount_slab,omitempty"`
	ReplacedBefore bool              `json:"replaced_before"`
}

// CheckBatteryStatus answers the counter question "customer walked in with
// this battery, what do we owe them": finds the sale the serial was bound to,
// evaluates coverage as of now, and resolves the pro-rata slab when the claim
// falls in the warranty band.
func CheckBatteryStatus(ctx context.Context, serialNumber string) (*BatteryStatus, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}
	if serialNumber == "" {
		return nil, utils.Validationf("serial number is required")
	}

	db := config.GetDB()

	var line SaleOrderDetail
	err := db.WithContext(ctx).
		Where("business_id = ? AND serial_number = ? AND allocation_state = ?", businessId, serialNumber, AllocationStateBound).
		First(&line).Error
	if err != nil {
		return nil, utils.NotFoundf("no sale found for serial number %q", serialNumber)
	}

	order, err := utils.FetchModel[SaleOrder](ctx, businessId, line.SaleOrderId)
	if err != nil {
		return nil, utils.Inconsistencyf("sale line %d references missing order %d", line.ID, line.SaleOrderId)
	}
	product, err := utils.FetchModel[Product](ctx, businessId, line.ProductId)
	if err != nil {
		return nil, utils.Inconsistencyf("sale line %d references missing product %d", line.ID, line.ProductId)
	}

	window := resolveWarrantyWindow(line.WarrantyCode, product)
	eligibility := EvaluateEligibility(window, order.OrderDate, time.Now())

	status := BatteryStatus{
		SerialNumber:  serialNumber,
		ProductId:     product.ID,
		ProductName:   product.Name,
		CustomerId:    order.CustomerId,
		CustomerName:  order.CustomerName,
		SaleOrderId:   order.ID,
		InvoiceNumber: order.InvoiceNumber,
		SaleDate:      order.OrderDate,
		Eligibility:   eligibility,
		Mrp:           product.Mrp,
	}

	if eligibility.Covered && eligibility.ReplacementType == ReplacementTypeWarranty {
		slab, err := ResolveDiscountSlab(ctx, businessId, eligibility.MonthsPastGuarantee)
		if err != nil {
			return nil, err
		}
		status.DiscountSlab = slab
	}

	var replacedCount int64
	if err := db.WithContext(ctx).Model(&ReplacementRecord{}).
		Where("business_id = ? AND original_product_id = ? AND original_serial_number = ?", businessId, line.ProductId, serialNumber).
		Count(&replacedCount).Error; err != nil {
		return nil, err
	}
	status.ReplacedBefore = replacedCount > 0

	return &status, nil
}

// ExpiringGuarantee is a sold battery whose free-replacement window closes
// soon, surfaced by the expiry sweep so the customer can be nudged.
type ExpiringGuarantee struct {
	SerialNumber  string
	ProductId     int
	ProductName   string
	CustomerId    int
	SaleOrderId   int
	InvoiceNumber string
	ExpiryMonth   time.Time
	MonthsLeft    int
}

// FindExpiringGuarantees scans bound lines for guarantees ending within
// noticeMonths of asOf (month granularity, so MonthsLeft 0 means "expires
// this month"). Already-replaced serials are skipped; their guarantee story
// is over.
func FindExpiringGuarantees(ctx context.Context, businessId string, noticeMonths int, asOf time.Time) ([]*ExpiringGuarantee, error) {
	db := config.GetDB()

	var lines []*SaleOrderDetail
	err := db.WithContext(ctx).
		Where("business_id = ? AND allocation_state = ?", businessId, AllocationStateBound).
		Find(&lines).Error
	if err != nil {
		return nil, err
	}

	orderCache := map[int]*SaleOrder{}
	productCache := map[int]*Product{}

	var results []*ExpiringGuarantee
	for _, line := range lines {
		order, ok := orderCache[line.SaleOrderId]
		if !ok {
			order, err = utils.FetchModel[SaleOrder](ctx, businessId, line.SaleOrderId)
			if err != nil {
				continue
			}
			orderCache[line.SaleOrderId] = order
		}
		product, ok := productCache[line.ProductId]
		if !ok {
			product, err = utils.FetchModel[Product](ctx, businessId, line.ProductId)
			if err != nil {
				continue
			}
			productCache[line.ProductId] = product
		}

		window := resolveWarrantyWindow(line.WarrantyCode, product)
		if window.GuaranteeMonths == 0 {
			continue
		}

		monthsLeft := window.GuaranteeMonths - MonthsElapsed(order.OrderDate, asOf)
		if monthsLeft < 0 || monthsLeft > noticeMonths {
			continue
		}

		var replacedCount int64
		if err := db.WithContext(ctx).Model(&ReplacementRecord{}).
			Where("business_id = ? AND original_product_id = ? AND original_serial_number = ?", businessId, line.ProductId, line.SerialNumber).
			Count(&replacedCount).Error; err != nil {
			return nil, err
		}
		if replacedCount > 0 {
			continue
		}

		expiry := order.OrderDate.AddDate(0, window.GuaranteeMonths, 0)
		results = append(results, &ExpiringGuarantee{
			SerialNumber:  line.SerialNumber,
			ProductId:     line.ProductId,
			ProductName:   line.ProductName,
			CustomerId:    order.CustomerId,
			SaleOrderId:   order.ID,
			InvoiceNumber: order.InvoiceNumber,
			ExpiryMonth:   time.Date(expiry.Year(), expiry.Month(), 1, 0, 0, 0, 0, time.UTC),
			MonthsLeft:    monthsLeft,
		})
	}

	return results, nil
}
