/**
 * @description
 * This file defines the Transaction domain model. Transactions record card
 * activity reported by the payment gateway (purchases, refunds, fees,
 * adjustments); they are created only by the gateway event processor, never by
 * a direct user request, and are deduplicated by the gateway reference.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For entity identifiers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types.
const (
	TransactionTypePurchase   = "purchase"
	TransactionTypeRefund     = "refund"
	TransactionTypeFee        = "fee"
	TransactionTypeAdjustment = "adjustment"
)

// Transaction statuses.
const (
	TransactionStatusPending  = "pending"
	TransactionStatusApproved = "approved"
	TransactionStatusDeclined = "declined"
	TransactionStatusReversed = "reversed"
)

// Transaction is a card-activity record. Amount is always the absolute value
// in minor currency units; the type carries the direction.
type Transaction struct {
	ID               uuid.UUID `json:"id"`
	PoolID           uuid.UUID `json:"pool_id"`
	CardID           uuid.UUID `json:"card_id"`
	Amount           int64     `json:"amount"`
	Type             string    `json:"type"`
	Status           string    `json:"status"`
	MerchantName     *string   `json:"merchant_name,omitempty"`
	MerchantCategory *string   `json:"merchant_category,omitempty"`
	GatewayRef       string    `json:"gateway_ref"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
