package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationRecord is the transactional outbox row for customer-facing
// messages. The row is written inside the business transaction that caused
// it; the dispatcher publishes it to Pub/Sub after commit. Losing a message
// is acceptable, sending one for a rolled-back transaction is not.
type NotificationRecord struct {
	ID              int                 `gorm:"primary_key" json:"id"`
	BusinessId      string              `gorm:"index;not null" json:"business_id"`
	Kind            NotificationKind    `gorm:"type:enum('ORDER_READY','REPLACEMENT_DONE','GUARANTEE_EXPIRY');not null" json:"kind"`
	CustomerId      int                 `gorm:"not null" json:"customer_id"`
	CustomerName    string              `gorm:"size:100" json:"customer_name"`
	Phone           string              `gorm:"size:20" json:"phone"`
	Payload         json.RawMessage     `gorm:"type:json" json:"payload"`
	PublishStatus   OutboxPublishStatus `gorm:"type:enum('PENDING','PROCESSING','SENT','FAILED','DEAD');not null;default:'PENDING';index" json:"publish_status"`
	PublishAttempts int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt   *time.Time          `gorm:"index" json:"next_attempt_at"`
	LockedBy        *string             `gorm:"size:64" json:"locked_by"`
	LockedAt        *time.Time          `json:"locked_at"`
	LastError       *string             `gorm:"type:text" json:"last_error"`
	PublishedAt     *time.Time          `json:"published_at"`
	PubSubMessageId *string             `gorm:"size:64" json:"pub_sub_message_id"`
	CorrelationId   string              `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt       time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConvertToNotificationMessage maps an outbox row onto the Pub/Sub wire shape.
func ConvertToNotificationMessage(rec NotificationRecord) config.NotificationMessage {
	return config.NotificationMessage{
		ID:            rec.ID,
		BusinessId:    rec.BusinessId,
		Kind:          string(rec.Kind),
		CustomerId:    rec.CustomerId,
		CustomerName:  rec.CustomerName,
		Phone:         rec.Phone,
		Payload:       rec.Payload,
		CorrelationId: rec.CorrelationId,
		CreatedAt:     rec.CreatedAt,
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// EnqueueNotification writes the outbox row inside the caller's transaction.
// It never publishes; the dispatcher owns delivery.
func EnqueueNotification(ctx context.Context, tx *gorm.DB, businessId string, kind NotificationKind, customer *Customer, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	record := NotificationRecord{
		BusinessId:    businessId,
		Kind:          kind,
		CustomerId:    customer.ID,
		CustomerName:  customer.Name,
		Phone:         customer.Phone,
		Payload:       payloadJSON,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.WithContext(ctx).Create(&record).Error
}
