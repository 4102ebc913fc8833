package models

import "errors"

type SaleChannel string

const (
	SaleChannelRetail    SaleChannel = "R"
	SaleChannelWholesale SaleChannel = "W"
)

func (t *SaleChannel) UnmarshalText(b []byte) error {
	switch string(b) {
	case "R":
		*t = SaleChannelRetail
	case "W":
		*t = SaleChannelWholesale
	default:
		return errors.New("invalid sale channel")
	}
	return nil
}

// AllocationState tracks whether a sale line still waits for its serial.
// P = pending placeholder, N = non-serialized (never needs a serial),
// B = bound to a stock unit.
type AllocationState string

const (
	AllocationStatePending       AllocationState = "P"
	AllocationStateNonSerialized AllocationState = "N"
	AllocationStateBound         AllocationState = "B"
)

type StockUnitStatus string

const (
	StockUnitStatusAvailable StockUnitStatus = "A"
	StockUnitStatusConsumed  StockUnitStatus = "C"
)

// StockConsumerType records what consumed a stock unit.
type StockConsumerType string

const (
	StockConsumerTypeSaleLine    StockConsumerType = "SL"
	StockConsumerTypeReplacement StockConsumerType = "RP"
)

type ReplacementType string

const (
	ReplacementTypeGuarantee ReplacementType = "G"
	ReplacementTypeWarranty  ReplacementType = "W"
)

func (t *ReplacementType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "G":
		*t = ReplacementTypeGuarantee
	case "W":
		*t = ReplacementTypeWarranty
	default:
		return errors.New("invalid replacement type")
	}
	return nil
}

type UserRole string

const (
	UserRoleAdmin    UserRole = "Admin"
	UserRoleOperator UserRole = "Operator"
)

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusSent       OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

type NotificationKind string

const (
	NotificationKindOrderReady      NotificationKind = "ORDER_READY"
	NotificationKindReplacementDone NotificationKind = "REPLACEMENT_DONE"
	NotificationKindGuaranteeExpiry NotificationKind = "GUARANTEE_EXPIRY"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)
