/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for pools, contributions,
 * membership caps, cards, card transactions and the gateway event
 * idempotency-key store. Settlement re-validation runs inside a transaction
 * that takes a row-level lock on the pool so concurrent settlements on the
 * same pool serialize; operations on different pools never contend.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/potluck/pool-service/internal/domain"
)

var (
	ErrPoolNotFound         = errors.New("pool not found")
	ErrContributionNotFound = errors.New("contribution not found")
	ErrCardNotFound         = errors.New("card not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrCardAlreadyExists    = errors.New("card already exists for pool")
	ErrCardClosed           = errors.New("card is closed")
	ErrCardHasTransactions  = errors.New("card has recorded transactions")
	ErrAlreadyTerminal      = errors.New("contribution already settled with a different outcome")
	ErrPoolHasFunds         = errors.New("pool has succeeded contributions")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const poolColumns = `id, group_id, currency, target_amount, status, payer_id, created_at, updated_at`

func scanPool(row pgx.Row) (*domain.Pool, error) {
	var pool domain.Pool
	err := row.Scan(
		&pool.ID,
		&pool.GroupID,
		&pool.Currency,
		&pool.TargetAmount,
		&pool.Status,
		&pool.PayerID,
		&pool.CreatedAt,
		&pool.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return &pool, nil
}

// FindPoolByID retrieves a pool by its ID.
func (r *PostgresRepository) FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE id = $1`
	return scanPool(r.db.QueryRow(ctx, query, poolID))
}

// ClosePool marks a pool closed. Without force it refuses when the pool has
// any succeeded contributions; force is the administrative override for pools
// that are fully spent or abandoned.
func (r *PostgresRepository) ClosePool(ctx context.Context, poolID uuid.UUID, force bool) (*domain.Pool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pool, err := scanPool(tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`, poolID))
	if err != nil {
		return nil, err
	}
	if pool.Status == domain.PoolStatusClosed {
		return pool, nil
	}

	if !force {
		var succeeded int64
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM contributions WHERE pool_id = $1 AND status = 'succeeded'`,
			poolID,
		).Scan(&succeeded)
		if err != nil {
			return nil, err
		}
		if succeeded > 0 {
			return nil, ErrPoolHasFunds
		}
	}

	pool, err = scanPool(tx.QueryRow(ctx,
		`UPDATE pools SET status = 'closed', updated_at = NOW() WHERE id = $1 RETURNING `+poolColumns,
		poolID,
	))
	if err != nil {
		return nil, err
	}
	return pool, tx.Commit(ctx)
}

// IsGroupMember reports whether a member belongs to a group.
func (r *PostgresRepository) IsGroupMember(ctx context.Context, groupID uuid.UUID, memberID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM group_memberships WHERE group_id = $1 AND member_id = $2)`
	if err := r.db.QueryRow(ctx, query, groupID, memberID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// FindCapForMember returns the member's contribution cap in a group, or nil
// when no cap is assigned.
func (r *PostgresRepository) FindCapForMember(ctx context.Context, groupID uuid.UUID, memberID uuid.UUID) (*domain.MembershipCap, error) {
	var cap domain.MembershipCap
	query := `SELECT group_id, member_id, cap_amount FROM membership_caps WHERE group_id = $1 AND member_id = $2`
	err := r.db.QueryRow(ctx, query, groupID, memberID).Scan(&cap.GroupID, &cap.MemberID, &cap.CapAmount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &cap, nil
}

const contributionColumns = `id, pool_id, contributor_id, amount, status, failure_reason, gateway_ref, created_at, updated_at`

func scanContribution(row pgx.Row) (*domain.Contribution, error) {
	var c domain.Contribution
	err := row.Scan(
		&c.ID,
		&c.PoolID,
		&c.ContributorID,
		&c.Amount,
		&c.Status,
		&c.FailureReason,
		&c.GatewayRef,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateContribution inserts a new pending contribution row.
func (r *PostgresRepository) CreateContribution(ctx context.Context, contribution *domain.Contribution) error {
	query := `
		INSERT INTO contributions (id, pool_id, contributor_id, amount, status, failure_reason, gateway_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		contribution.ID,
		contribution.PoolID,
		contribution.ContributorID,
		contribution.Amount,
		contribution.Status,
		contribution.FailureReason,
		contribution.GatewayRef,
	)
	return err
}

// FindContributionByID retrieves a contribution by its ID.
func (r *PostgresRepository) FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE id = $1`
	return scanContribution(r.db.QueryRow(ctx, query, contributionID))
}

// AttachContributionGatewayRef records the gateway's collection reference on a
// freshly submitted contribution.
func (r *PostgresRepository) AttachContributionGatewayRef(ctx context.Context, contributionID uuid.UUID, gatewayRef string) error {
	query := `UPDATE contributions SET gateway_ref = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, gatewayRef, contributionID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrContributionNotFound
	}
	return nil
}

// SumSucceededContributions returns the succeeded contribution total for a pool.
func (r *PostgresRepository) SumSucceededContributions(ctx context.Context, poolID uuid.UUID) (int64, error) {
	var sum int64
	query := `SELECT COALESCE(SUM(amount), 0) FROM contributions WHERE pool_id = $1 AND status = 'succeeded'`
	if err := r.db.QueryRow(ctx, query, poolID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// SumMemberSucceededContributions returns a member's succeeded contribution
// total across all pools of a group, for cap enforcement.
func (r *PostgresRepository) SumMemberSucceededContributions(ctx context.Context, groupID uuid.UUID, memberID uuid.UUID) (int64, error) {
	var sum int64
	query := `
		SELECT COALESCE(SUM(c.amount), 0)
		FROM contributions c
		JOIN pools p ON p.id = c.pool_id
		WHERE p.group_id = $1
		  AND c.contributor_id = $2
		  AND c.status = 'succeeded'
	`
	if err := r.db.QueryRow(ctx, query, groupID, memberID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// settlementAction is the decision resolveSettlement reaches for a settlement
// attempt.
type settlementAction int

const (
	// actionNoop: the contribution already carries the requested outcome.
	actionNoop settlementAction = iota
	// actionFail: record the requested failure.
	actionFail
	// actionConvertToFailed: the requested success would overshoot the pool
	// target; record a failure with reason TargetExceeded instead.
	actionConvertToFailed
	// actionSucceed: record the success.
	actionSucceed
	// actionSucceedAndFund: record the success and flip the pool to funded.
	actionSucceedAndFund
)

// resolveSettlement decides what a settlement attempt does, given the
// contribution's current status, the requested outcome and — for a success on
// a pending contribution — the pool's committed succeeded sum, status and
// target. Same-outcome repeats are no-ops; a different outcome after a
// terminal state is ErrAlreadyTerminal. The sum/status/target arguments are
// ignored for every other path.
func resolveSettlement(contributionStatus, outcome string, amount, succeededSum int64, poolStatus string, targetAmount int64) (settlementAction, error) {
	if contributionStatus != domain.ContributionStatusPending {
		if contributionStatus == outcome {
			return actionNoop, nil
		}
		return 0, ErrAlreadyTerminal
	}
	if outcome == domain.ContributionStatusFailed {
		return actionFail, nil
	}
	if succeededSum+amount > targetAmount {
		return actionConvertToFailed, nil
	}
	if succeededSum+amount == targetAmount && poolStatus == domain.PoolStatusOpen {
		return actionSucceedAndFund, nil
	}
	return actionSucceed, nil
}

// SettleContribution applies a terminal outcome to a pending contribution.
//
// The succeeded path locks the pool row with FOR UPDATE before re-reading the
// succeeded sum, so two settlements that would jointly overshoot the target
// serialize: the first commits `succeeded`, the second re-validates against
// the new sum and is failed with reason TargetExceeded.
func (r *PostgresRepository) SettleContribution(ctx context.Context, contributionID uuid.UUID, outcome string, failureReason *string) (*SettlementResult, error) {
	if outcome != domain.ContributionStatusSucceeded && outcome != domain.ContributionStatusFailed {
		return nil, fmt.Errorf("invalid settlement outcome %q", outcome)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	contribution, err := scanContribution(tx.QueryRow(ctx,
		`SELECT `+contributionColumns+` FROM contributions WHERE id = $1 FOR UPDATE`,
		contributionID,
	))
	if err != nil {
		return nil, err
	}

	// Lock the pool row and re-read the succeeded sum only when a success
	// could actually commit; every other path decides on the row alone.
	var (
		succeeded  int64
		poolStatus string
		target     int64
	)
	if contribution.Status == domain.ContributionStatusPending && outcome == domain.ContributionStatusSucceeded {
		pool, err := scanPool(tx.QueryRow(ctx,
			`SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`,
			contribution.PoolID,
		))
		if err != nil {
			return nil, err
		}
		poolStatus, target = pool.Status, pool.TargetAmount

		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM contributions WHERE pool_id = $1 AND status = 'succeeded'`,
			contribution.PoolID,
		).Scan(&succeeded)
		if err != nil {
			return nil, err
		}
	}

	action, err := resolveSettlement(contribution.Status, outcome, contribution.Amount, succeeded, poolStatus, target)
	if err != nil {
		return nil, err
	}

	switch action {
	case actionNoop:
		return &SettlementResult{Contribution: contribution, AlreadySettled: true}, tx.Commit(ctx)

	case actionFail:
		contribution, err = scanContribution(tx.QueryRow(ctx,
			`UPDATE contributions SET status = 'failed', failure_reason = $2, updated_at = NOW()
			 WHERE id = $1 RETURNING `+contributionColumns,
			contributionID, failureReason,
		))
		if err != nil {
			return nil, err
		}
		return &SettlementResult{Contribution: contribution}, tx.Commit(ctx)

	case actionConvertToFailed:
		reason := domain.FailureReasonTargetExceeded
		contribution, err = scanContribution(tx.QueryRow(ctx,
			`UPDATE contributions SET status = 'failed', failure_reason = $2, updated_at = NOW()
			 WHERE id = $1 RETURNING `+contributionColumns,
			contributionID, reason,
		))
		if err != nil {
			return nil, err
		}
		return &SettlementResult{Contribution: contribution, TargetExceeded: true}, tx.Commit(ctx)
	}

	contribution, err = scanContribution(tx.QueryRow(ctx,
		`UPDATE contributions SET status = 'succeeded', updated_at = NOW()
		 WHERE id = $1 RETURNING `+contributionColumns,
		contributionID,
	))
	if err != nil {
		return nil, err
	}

	result := &SettlementResult{Contribution: contribution}
	if action == actionSucceedAndFund {
		if _, err := tx.Exec(ctx,
			`UPDATE pools SET status = 'funded', updated_at = NOW() WHERE id = $1`,
			contribution.PoolID,
		); err != nil {
			return nil, err
		}
		result.PoolFunded = true
	}

	return result, tx.Commit(ctx)
}

// PoolBalance recomputes the available balance for a pool from the committed
// ledger and transaction rows. Nothing is cached; every call reads current
// state.
func (r *PostgresRepository) PoolBalance(ctx context.Context, poolID uuid.UUID) (*domain.PoolBalance, error) {
	balance := domain.PoolBalance{PoolID: poolID}
	query := `
		SELECT
			COALESCE((SELECT SUM(amount) FROM contributions WHERE pool_id = $1 AND status = 'succeeded'), 0),
			COALESCE((SELECT SUM(amount) FROM transactions WHERE pool_id = $1 AND status = 'approved' AND type = 'purchase'), 0),
			COALESCE((SELECT SUM(amount) FROM transactions WHERE pool_id = $1 AND status = 'approved' AND type = 'refund'), 0),
			COALESCE((SELECT SUM(amount) FROM transactions WHERE pool_id = $1 AND status = 'approved' AND type = 'fee'), 0)
	`
	err := r.db.QueryRow(ctx, query, poolID).Scan(
		&balance.SucceededContributions,
		&balance.Purchases,
		&balance.Refunds,
		&balance.Fees,
	)
	if err != nil {
		return nil, err
	}
	balance.Available = balance.SucceededContributions - balance.Purchases + balance.Refunds - balance.Fees
	return &balance, nil
}

const cardColumns = `id, pool_id, network, status, gateway_card_ref, spending_limit, created_at, updated_at`

func scanCard(row pgx.Row) (*domain.Card, error) {
	var card domain.Card
	err := row.Scan(
		&card.ID,
		&card.PoolID,
		&card.Network,
		&card.Status,
		&card.GatewayCardRef,
		&card.SpendingLimit,
		&card.CreatedAt,
		&card.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

// CreateCard inserts the pool's card. The unique constraint on pool_id makes a
// second creation attempt fail with ErrCardAlreadyExists.
func (r *PostgresRepository) CreateCard(ctx context.Context, card *domain.Card) error {
	query := `
		INSERT INTO cards (id, pool_id, network, status, gateway_card_ref, spending_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		card.ID,
		card.PoolID,
		card.Network,
		card.Status,
		card.GatewayCardRef,
		card.SpendingLimit,
	)
	if isUniqueViolation(err) {
		return ErrCardAlreadyExists
	}
	return err
}

// FindCardByID retrieves a card by its ID.
func (r *PostgresRepository) FindCardByID(ctx context.Context, cardID uuid.UUID) (*domain.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE id = $1`
	return scanCard(r.db.QueryRow(ctx, query, cardID))
}

// FindCardByPoolID retrieves the single card bound to a pool.
func (r *PostgresRepository) FindCardByPoolID(ctx context.Context, poolID uuid.UUID) (*domain.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE pool_id = $1`
	return scanCard(r.db.QueryRow(ctx, query, poolID))
}

// FindCardByGatewayRef resolves a gateway card reference to the local card.
func (r *PostgresRepository) FindCardByGatewayRef(ctx context.Context, gatewayCardRef string) (*domain.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE gateway_card_ref = $1`
	return scanCard(r.db.QueryRow(ctx, query, gatewayCardRef))
}

// UpdateCardStatus applies a status change, rejecting any transition out of
// the terminal closed state. The guard runs in the UPDATE's WHERE clause so
// concurrent writers cannot race a closed card back open.
func (r *PostgresRepository) UpdateCardStatus(ctx context.Context, cardID uuid.UUID, status string) (*domain.Card, error) {
	card, err := scanCard(r.db.QueryRow(ctx,
		`UPDATE cards SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status <> 'closed'
		 RETURNING `+cardColumns,
		cardID, status,
	))
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, ErrCardNotFound) {
		return nil, err
	}

	// Zero rows: either the card does not exist or it is closed.
	existing, findErr := r.FindCardByID(ctx, cardID)
	if findErr != nil {
		return nil, findErr
	}
	if existing.Status == domain.CardStatusClosed {
		if status == domain.CardStatusClosed {
			return existing, nil
		}
		return nil, ErrCardClosed
	}
	return nil, err
}

// CountCardTransactions returns how many transactions were ever recorded for a card.
func (r *PostgresRepository) CountCardTransactions(ctx context.Context, cardID uuid.UUID) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM transactions WHERE card_id = $1`
	if err := r.db.QueryRow(ctx, query, cardID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteCard removes a card that has never recorded a transaction.
func (r *PostgresRepository) DeleteCard(ctx context.Context, cardID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var count int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE card_id = $1`, cardID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrCardHasTransactions
	}

	result, err := tx.Exec(ctx, `DELETE FROM cards WHERE id = $1`, cardID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return tx.Commit(ctx)
}

const transactionColumns = `id, pool_id, card_id, amount, type, status, merchant_name, merchant_category, gateway_ref, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID,
		&t.PoolID,
		&t.CardID,
		&t.Amount,
		&t.Type,
		&t.Status,
		&t.MerchantName,
		&t.MerchantCategory,
		&t.GatewayRef,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// UpsertTransactionByGatewayRef inserts a transaction keyed by the gateway
// reference, or refreshes the mutable fields when the reference was already
// recorded. A repeated callback with the same reference never creates a
// duplicate row.
func (r *PostgresRepository) UpsertTransactionByGatewayRef(ctx context.Context, txRecord *domain.Transaction) (bool, error) {
	query := `
		INSERT INTO transactions (id, pool_id, card_id, amount, type, status, merchant_name, merchant_category, gateway_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (gateway_ref)
		DO UPDATE SET
			status = EXCLUDED.status,
			merchant_name = COALESCE(EXCLUDED.merchant_name, transactions.merchant_name),
			merchant_category = COALESCE(EXCLUDED.merchant_category, transactions.merchant_category),
			updated_at = NOW()
		RETURNING (xmax = 0)
	`
	var inserted bool
	err := r.db.QueryRow(ctx, query,
		txRecord.ID,
		txRecord.PoolID,
		txRecord.CardID,
		txRecord.Amount,
		txRecord.Type,
		txRecord.Status,
		txRecord.MerchantName,
		txRecord.MerchantCategory,
		txRecord.GatewayRef,
	).Scan(&inserted)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// FindTransactionByGatewayRef retrieves a transaction by its gateway reference.
func (r *PostgresRepository) FindTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE gateway_ref = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, gatewayRef))
}

// AcquireGatewayEvent claims a gateway event reference for processing. A
// first delivery inserts the claim; a redelivery whose earlier claim never
// completed (the worker died between claiming and applying) reclaims it, so
// the event is re-applied instead of dropped. Only a reference with a
// recorded completion reports false.
func (r *PostgresRepository) AcquireGatewayEvent(ctx context.Context, reference string, kind string) (bool, error) {
	query := `
		INSERT INTO gateway_events (reference, kind, received_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (reference) DO UPDATE SET received_at = NOW()
		WHERE gateway_events.completed_at IS NULL
	`
	result, err := r.db.Exec(ctx, query, reference, kind)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// CompleteGatewayEvent marks a claimed event as applied. From this point on a
// redelivery of the reference is a duplicate and is dropped.
func (r *PostgresRepository) CompleteGatewayEvent(ctx context.Context, reference string) error {
	_, err := r.db.Exec(ctx, `UPDATE gateway_events SET completed_at = NOW() WHERE reference = $1`, reference)
	return err
}

// ReleaseGatewayEvent removes an acquired event reference so that a delivery
// whose application failed can be retried.
func (r *PostgresRepository) ReleaseGatewayEvent(ctx context.Context, reference string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM gateway_events WHERE reference = $1`, reference)
	return err
}
