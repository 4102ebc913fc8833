package config

import (
	"os"
	"strconv"
	"strings"
)

// GuaranteeExpiryNoticeMonths is the look-ahead window of the expiry sweep:
// guarantees ending within this many months get a notification enqueued.
//
// Set via env:
// - GUARANTEE_EXPIRY_NOTICE_MONTHS (default 1)
func GuaranteeExpiryNoticeMonths() int {
	v := strings.TrimSpace(os.Getenv("GUARANTEE_EXPIRY_NOTICE_MONTHS"))
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 1
	}
	return n
}

// InvoicePrefix is prepended to sale order sequence numbers.
//
// Set via env:
// - INVOICE_PREFIX (default "INV-")
func InvoicePrefix() string {
	v := strings.TrimSpace(os.Getenv("INVOICE_PREFIX"))
	if v == "" {
		return "INV-"
	}
	return v
}
