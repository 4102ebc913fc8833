package reports

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
)

type ReplacementSummaryResponse struct {
	ProductId           int             `json:"productId"`
	ProductName         string          `json:"productName"`
	GuaranteeCount      int             `json:"guaranteeCount"`
	WarrantyCount       int             `json:"warrantyCount"`
	TotalDiscountAmount decimal.Decimal `json:"totalDiscountAmount"`
	TotalCollected      decimal.Decimal `json:"totalCollected"`
}

// GetReplacementSummaryReport breaks settled claims down per product: how many
// went out free under guarantee, how many were slab-discounted, and what the
// claims cost the shop versus what came back in.
func GetReplacementSummaryReport(ctx context.Context, fromDate time.Time, toDate time.Time) ([]*ReplacementSummaryResponse, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	started := time.Now()
	cacheKey := fmt.Sprintf("Report:ReplacementSummary:%s:%s:%s",
		businessId, fromDate.Format("2006-01-02"), toDate.Format("2006-01-02"))
	if reportCacheEnabled() {
		var cached []*ReplacementSummaryResponse
		if ok, err := cacheGet(cacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	sql := `
SELECT
    rr.original_product_id AS product_id,
    p.name AS product_name,
    SUM(CASE WHEN rr.type = 'G' THEN 1 ELSE 0 END) AS guarantee_count,
    SUM(CASE WHEN rr.type = 'W' THEN 1 ELSE 0 END) AS warranty_count,
    SUM(rr.discount_amount) AS total_discount_amount,
    SUM(rr.final_amount) AS total_collected
FROM
    replacement_records AS rr
        JOIN
    products AS p ON p.id = rr.original_product_id
WHERE
    rr.business_id = @businessId
        AND rr.created_at BETWEEN @fromDate AND @toDate
GROUP BY rr.original_product_id , p.name
ORDER BY guarantee_count + warranty_count DESC;
`
	db := config.GetDB()
	var results []*ReplacementSummaryResponse
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
		"fromDate":   fromDate,
		"toDate":     toDate,
	}).Scan(&results).Error; err != nil {
		return nil, err
	}

	if reportCacheEnabled() {
		_ = cacheSet(cacheKey, results, reportCacheTTL())
	}
	logSlowReport(ctx, "ReplacementSummary", started, map[string]any{"from": fromDate, "to": toDate})

	return results, nil
}
