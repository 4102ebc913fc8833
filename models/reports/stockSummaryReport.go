package reports

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
)

type StockSummaryResponse struct {
	ProductId      int    `json:"productId"`
	ProductName    string `json:"productName"`
	ProductSku     string `json:"productSku"`
	QuantityOnHand int    `json:"quantityOnHand"`
	AvailableUnits int    `json:"availableUnits"`
	ConsumedUnits  int    `json:"consumedUnits"`
}

// GetStockSummaryReport puts the product counter next to the unit ledger.
// For serialized products the two should agree; a gap is the cue to run a
// recount.
func GetStockSummaryReport(ctx context.Context) ([]*StockSummaryResponse, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	started := time.Now()

	sql := `
SELECT
    p.id AS product_id,
    p.name AS product_name,
    p.sku AS product_sku,
    p.quantity_on_hand,
    SUM(CASE WHEN su.status = 'A' THEN 1 ELSE 0 END) AS available_units,
    SUM(CASE WHEN su.status = 'C' THEN 1 ELSE 0 END) AS consumed_units
FROM
    products AS p
        LEFT JOIN
    stock_units AS su ON su.product_id = p.id AND su.business_id = p.business_id
WHERE
    p.business_id = @businessId
GROUP BY p.id , p.name , p.sku , p.quantity_on_hand
ORDER BY p.name ASC;
`
	db := config.GetDB()
	var results []*StockSummaryResponse
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
	}).Scan(&results).Error; err != nil {
		return nil, err
	}

	logSlowReport(ctx, "StockSummary", started, nil)

	return results, nil
}
