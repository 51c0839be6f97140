/**
 * @description
 * This file defines the Card domain model. Each pool is bound to at most one
 * virtual card; the card is issued by the payment gateway with a spending
 * limit snapshotted from the pool's available balance at creation time.
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

// Card statuses. Active and suspended are interchangeable; closed is terminal
// and no path (API or webhook) may leave it.
const (
	CardStatusActive    = "active"
	CardStatusSuspended = "suspended"
	CardStatusClosed    = "closed"
)

// Card is the single spending instrument bound to a pool.
type Card struct {
	ID             uuid.UUID `json:"id"`
	PoolID         uuid.UUID `json:"pool_id"`
	Network        string    `json:"network"`
	Status         string    `json:"status"`
	GatewayCardRef string    `json:"gateway_card_ref"`
	SpendingLimit  int64     `json:"spending_limit"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreateCardRequest is the body of POST /cards.
type CreateCardRequest struct {
	PoolID  uuid.UUID `json:"pool_id"`
	Network string    `json:"network"`
}

// UpdateCardStatusRequest is the body of PUT /cards/{id}.
type UpdateCardStatusRequest struct {
	Status string `json:"status"`
}

// ValidCardStatus reports whether s is one of the known card statuses.
func ValidCardStatus(s string) bool {
	switch s {
	case CardStatusActive, CardStatusSuspended, CardStatusClosed:
		return true
	}
	return false
}
