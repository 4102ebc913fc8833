package reports

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
)

type PendingAllocationResponse struct {
	SaleOrderId   int       `json:"saleOrderId"`
	InvoiceNumber string    `json:"invoiceNumber"`
	CustomerName  string    `json:"customerName"`
	OrderDate     time.Time `json:"orderDate"`
	PendingLines  int       `json:"pendingLines"`
	TotalLines    int       `json:"totalLines"`
	AgeDays       int       `json:"ageDays"`
}

// GetPendingAllocationReport lists open orders still waiting on the storeroom,
// oldest first, so the morning shift knows which invoices to chase.
func GetPendingAllocationReport(ctx context.Context) ([]*PendingAllocationResponse, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.Validationf("business id is required")
	}

	started := time.Now()

	sql := `
SELECT
    so.id AS sale_order_id,
    so.invoice_number,
    so.customer_name,
    so.order_date,
    SUM(CASE WHEN dt.allocation_state = 'P' THEN 1 ELSE 0 END) AS pending_lines,
    COUNT(dt.id) AS total_lines,
    DATEDIFF(NOW(), so.order_date) AS age_days
FROM
    sale_orders AS so
        JOIN
    sale_order_details AS dt ON dt.sale_order_id = so.id
WHERE
    so.business_id = @businessId
        AND so.is_completed = 0
GROUP BY so.id , so.invoice_number , so.customer_name , so.order_date
HAVING pending_lines > 0
ORDER BY so.order_date ASC;
`
	db := config.GetDB()
	var results []*PendingAllocationResponse
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
	}).Scan(&results).Error; err != nil {
		return nil, err
	}

	logSlowReport(ctx, "PendingAllocation", started, nil)

	return results, nil
}
