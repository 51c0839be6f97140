/**
 * @description
 * This file defines the Pool domain model. A pool is a shared fund owned by a
 * group: members contribute toward a target amount and, once funded, spend the
 * pool through a single virtual card.
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

// Pool statuses. A pool accepts contributions only while open; it flips to
// funded when the succeeded contribution sum reaches the target, and closed is
// terminal.
const (
	PoolStatusOpen   = "open"
	PoolStatusFunded = "funded"
	PoolStatusClosed = "closed"
)

// Pool represents a shared fund with a target amount, owned by a group.
// All monetary amounts are integers in minor currency units.
type Pool struct {
	ID           uuid.UUID  `json:"id"`
	GroupID      uuid.UUID  `json:"group_id"`
	Currency     string     `json:"currency"`
	TargetAmount int64      `json:"target_amount"`
	Status       string     `json:"status"`
	PayerID      *uuid.UUID `json:"payer_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PoolBalance is the recomputed spendable balance of a pool together with the
// component sums it was derived from:
// available = succeeded contributions - approved purchases + approved refunds - approved fees.
type PoolBalance struct {
	PoolID                 uuid.UUID `json:"pool_id"`
	Available              int64     `json:"available"`
	SucceededContributions int64     `json:"succeeded_contributions"`
	Purchases              int64     `json:"purchases"`
	Refunds                int64     `json:"refunds"`
	Fees                   int64     `json:"fees"`
}

// Membership links a member to a group. Only members of a pool's group may
// contribute to the pool or manage its card.
type Membership struct {
	GroupID  uuid.UUID `json:"group_id"`
	MemberID uuid.UUID `json:"member_id"`
	Role     string    `json:"role"`
}

// MembershipCap is an optional ceiling on a member's cumulative succeeded
// contributions across all pools in a group. It is enforced at submission time
// only and never re-checked retroactively.
type MembershipCap struct {
	GroupID   uuid.UUID `json:"group_id"`
	MemberID  uuid.UUID `json:"member_id"`
	CapAmount int64     `json:"cap_amount"`
}
