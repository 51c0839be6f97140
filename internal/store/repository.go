/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access operations required by the pool-service. The interface decouples the
 * ledger, card and event-processing logic from the PostgreSQL implementation
 * and lets the application layer be tested against stubs.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/potluck/pool-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Pool and membership methods
	FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error)
	ClosePool(ctx context.Context, poolID uuid.UUID, force bool) (*domain.Pool, error)
	IsGroupMember(ctx context.Context, groupID uuid.UUID, memberID uuid.UUID) (bool, error)
	FindCapForMember(ctx context.Context, groupID uuid.UUID, memberID uuid.UUID) (*domain.MembershipCap, error)

	// Contribution ledger methods
	CreateContribution(ctx context.Context, contribution *domain.Contribution) error
	FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error)
	AttachContributionGatewayRef(ctx context.Context, contributionID uuid.UUID, gatewayRef string) error
	SumSucceededContributions(ctx context.Context, poolID uuid.UUID) (int64, error)
	SumMemberSucceededContributions(ctx context.Context, groupID uuid.UUID, memberID uuid.UUID) (int64, error)
	// SettleContribution applies a terminal outcome inside a transaction that
	// locks the pool row and re-validates the succeeded sum against the target
	// before committing. Same-outcome repeats are no-ops; a conflicting
	// outcome after a terminal state returns ErrAlreadyTerminal.
	SettleContribution(ctx context.Context, contributionID uuid.UUID, outcome string, failureReason *string) (*SettlementResult, error)

	// Balance methods
	PoolBalance(ctx context.Context, poolID uuid.UUID) (*domain.PoolBalance, error)

	// Card methods
	CreateCard(ctx context.Context, card *domain.Card) error
	FindCardByID(ctx context.Context, cardID uuid.UUID) (*domain.Card, error)
	FindCardByPoolID(ctx context.Context, poolID uuid.UUID) (*domain.Card, error)
	FindCardByGatewayRef(ctx context.Context, gatewayCardRef string) (*domain.Card, error)
	UpdateCardStatus(ctx context.Context, cardID uuid.UUID, status string) (*domain.Card, error)
	CountCardTransactions(ctx context.Context, cardID uuid.UUID) (int64, error)
	DeleteCard(ctx context.Context, cardID uuid.UUID) error

	// Transaction methods
	UpsertTransactionByGatewayRef(ctx context.Context, tx *domain.Transaction) (created bool, err error)
	FindTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Transaction, error)

	// Gateway event idempotency-key store. AcquireGatewayEvent claims the
	// gateway reference; a delivery holds the claim until the application
	// either completes (CompleteGatewayEvent, after which redeliveries report
	// false and are dropped) or fails (ReleaseGatewayEvent, so redelivery can
	// retry). A claim whose holder died before completing is handed to the
	// next delivery of the same reference rather than treated as a duplicate.
	AcquireGatewayEvent(ctx context.Context, reference string, kind string) (bool, error)
	CompleteGatewayEvent(ctx context.Context, reference string) error
	ReleaseGatewayEvent(ctx context.Context, reference string) error
}

// SettlementResult describes what a settlement attempt did.
type SettlementResult struct {
	Contribution *domain.Contribution
	// AlreadySettled is true when the contribution was already in the
	// requested terminal state and nothing changed.
	AlreadySettled bool
	// TargetExceeded is true when a requested `succeeded` outcome was
	// converted to `failed` because committing it would overshoot the pool
	// target.
	TargetExceeded bool
	// PoolFunded is true when this settlement brought the succeeded sum up to
	// the pool target.
	PoolFunded bool
}
