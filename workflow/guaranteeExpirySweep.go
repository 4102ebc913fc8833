package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/models"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const guaranteeExpiryHandler = "GuaranteeExpiry"

// RunGuaranteeExpirySweep queues one expiry notification per (serial, expiry
// month) for guarantees ending within the configured notice window. The sweep
// is safe to run from cron on overlapping schedules: the idempotency key
// dedupes per serial and month no matter how often it fires.
func RunGuaranteeExpirySweep(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string) (int, error) {
	lock, err := utils.BusinessLock(ctx, businessId, "GuaranteeExpirySweep", "workflow", "RunGuaranteeExpirySweep")
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	noticeMonths := config.GuaranteeExpiryNoticeMonths()
	candidates, err := models.FindExpiringGuarantees(ctx, businessId, noticeMonths, time.Now())
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, candidate := range candidates {
		messageId := candidate.SerialNumber + "|" + candidate.ExpiryMonth.Format("2006-01")

		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			skip, err := BeginIdempotency(tx, businessId, guaranteeExpiryHandler, messageId)
			if err != nil {
				return err
			}
			if skip {
				return nil
			}

			var customer models.Customer
			if err := tx.WithContext(ctx).
				Where("business_id = ? AND id = ?", businessId, candidate.CustomerId).
				First(&customer).Error; err != nil {
				return err
			}

			payload := map[string]interface{}{
				"serial_number":  candidate.SerialNumber,
				"product_name":   candidate.ProductName,
				"invoice_number": candidate.InvoiceNumber,
				"expiry_month":   candidate.ExpiryMonth.Format("2006-01"),
				"months_left":    candidate.MonthsLeft,
			}
			if err := models.EnqueueNotification(ctx, tx, businessId, models.NotificationKindGuaranteeExpiry, &customer, payload); err != nil {
				return err
			}
			queued++

			return MarkIdempotencySucceeded(tx, businessId, guaranteeExpiryHandler, messageId)
		})
		if err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":       "GuaranteeExpirySweep",
					"business_id": businessId,
					"serial":      candidate.SerialNumber,
				}).Error("failed to queue expiry notification: " + err.Error())
			}
			continue
		}
	}

	return queued, nil
}
