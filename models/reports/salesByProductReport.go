package reports

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
)

type SalesByProductResponse struct {
	ProductId           int             `json:"productId"`
	ProductName         string          `json:"productName"`
	ProductSku          string          `json:"productSku"`
	SoldQty             decimal.Decimal `json:"soldQty"`
	TotalAmount         decimal.Decimal `json:"totalAmount"`
	TotalDiscountAmount decimal.Decimal `json:"totalDiscountAmount"`
}

// GetSalesByProductReport aggregates completed sale lines per product over a
// date range. Pending placeholder lines are included too: the invoice was
// priced and handed over at the counter even if the storeroom hasn't bound
// serials yet.
func GetSalesByProductReport(ctx context.Context, fromDate time.Time, toDate time.Time, productName *string) ([]*SalesByProductResponse, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	started := time.Now()
	cacheKey := fmt.Sprintf("Report:SalesByProduct:%s:%s:%s:%s",
		businessId, fromDate.Format("2006-01-02"), toDate.Format("2006-01-02"), utils.DereferencePtr(productName))
	if reportCacheEnabled() {
		var cached []*SalesByProductResponse
		if ok, err := cacheGet(cacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	sqlT := `
SELECT
    dt.product_id,
    dt.product_name,
    p.sku AS product_sku,
    SUM(dt.qty) AS sold_qty,
    SUM(dt.final_amount * dt.qty) AS total_amount,
    SUM(dt.discount_amount * dt.qty) AS total_discount_amount
FROM
    sale_order_details AS dt
        JOIN
    sale_orders AS so ON so.id = dt.sale_order_id
        JOIN
    products AS p ON p.id = dt.product_id
WHERE
    dt.business_id = @businessId
        AND so.order_date BETWEEN @fromDate AND @toDate
        {{- if .productName }} AND dt.product_name LIKE @productName {{- end }}
GROUP BY dt.product_id , dt.product_name , p.sku
ORDER BY total_amount DESC;
`
	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"productName": utils.DereferencePtr(productName),
	})
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	var results []*SalesByProductResponse
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId":  businessId,
		"fromDate":    fromDate,
		"toDate":      toDate,
		"productName": "%" + utils.DereferencePtr(productName) + "%",
	}).Scan(&results).Error; err != nil {
		return nil, err
	}

	if reportCacheEnabled() {
		_ = cacheSet(cacheKey, results, reportCacheTTL())
	}
	logSlowReport(ctx, "SalesByProduct", started, map[string]any{"from": fromDate, "to": toDate})

	return results, nil
}
