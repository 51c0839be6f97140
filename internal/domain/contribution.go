/**
 * @description
 * This file defines the Contribution domain model and its API payloads. A
 * contribution is a member's pledge toward a pool's target. It is created as
 * pending, handed to the payment gateway for collection, and only ever moves
 * to succeeded or failed through a gateway callback.
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

// Contribution statuses. Succeeded and failed are terminal: a contribution is
// never re-opened once settled.
const (
	ContributionStatusPending   = "pending"
	ContributionStatusSucceeded = "succeeded"
	ContributionStatusFailed    = "failed"
)

// FailureReasonTargetExceeded is recorded when settlement re-validation finds
// that committing the contribution would push the pool past its target.
const FailureReasonTargetExceeded = "TargetExceeded"

// Contribution represents a member's pledge toward a pool's target.
type Contribution struct {
	ID            uuid.UUID `json:"id"`
	PoolID        uuid.UUID `json:"pool_id"`
	ContributorID uuid.UUID `json:"contributor_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	GatewayRef    *string   `json:"gateway_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SubmitContributionRequest is the body of POST /pools/{id}/contributions.
type SubmitContributionRequest struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

// CapDecision is the result of a spend-cap check: whether the submission is
// allowed and how much headroom remains under the member's cap. A nil cap
// yields Allowed=true with Remaining=-1 (unlimited).
type CapDecision struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
}
