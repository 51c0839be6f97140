/**
 * @description
 * This file contains the core business logic for the pool-service. The
 * `Service` struct orchestrates the contribution ledger and card lifecycle,
 * coordinating between the database repository, the payment gateway client,
 * and the message broker.
 *
 * Key features:
 * - Submits contributions: membership and cap checks, pending ledger entry,
 *   gateway collection handoff.
 * - Manages the pool's single virtual card: creation with a spending-limit
 *   snapshot, status changes with a terminal `closed` state, deletion.
 * - Recomputes pool balances from ledger rows on every read; no running
 *   balance column exists anywhere.
 *
 * @dependencies
 * - context, errors, log: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gatewayclient: For external gateway communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/potluck/pool-service/internal/domain"
	"github.com/potluck/pool-service/internal/store"
	"github.com/potluck/pool-service/pkg/gatewayclient"
)

// Business-rule errors surfaced to the API layer, which maps them to stable
// error codes.
var (
	ErrInvalidAmount      = errors.New("amount must be a positive integer")
	ErrPoolNotOpen        = errors.New("pool is not accepting contributions")
	ErrNotGroupMember     = errors.New("requester is not a member of the pool's group")
	ErrExceedsTarget      = errors.New("contribution would exceed the pool target")
	ErrExceedsCap         = errors.New("contribution would exceed the member's cap")
	ErrNoFunds            = errors.New("pool has no spendable funds")
	ErrGatewayUnavailable = errors.New("payment gateway is unavailable")
	ErrInvalidCardStatus  = errors.New("invalid card status")
)

// PaymentGateway is the subset of the gateway client the service depends on.
type PaymentGateway interface {
	CollectContribution(ctx context.Context, contributionID uuid.UUID, currency string, amount int64, method string) (*gatewayclient.CollectionResponse, error)
	IssueCard(ctx context.Context, poolID uuid.UUID, currency, network string, spendingLimit int64) (*gatewayclient.CardResponse, error)
	UpdateCardStatus(ctx context.Context, gatewayCardRef, status string) (*gatewayclient.CardResponse, error)
}

// Service provides the core business logic for pools, contributions and cards.
type Service struct {
	repo    store.Repository
	gateway PaymentGateway
}

// NewService creates a new pool service instance.
func NewService(repo store.Repository, gateway PaymentGateway) *Service {
	return &Service{
		repo:    repo,
		gateway: gateway,
	}
}

// SubmitContribution validates a member's pledge, records it as pending and
// hands collection to the gateway. The contribution only ever reaches a
// terminal status through a gateway callback; a gateway error here leaves the
// pending row in place and surfaces ErrGatewayUnavailable.
func (s *Service) SubmitContribution(ctx context.Context, poolID, contributorID uuid.UUID, req domain.SubmitContributionRequest) (*domain.Contribution, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	pool, err := s.repo.FindPoolByID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status != domain.PoolStatusOpen {
		return nil, ErrPoolNotOpen
	}

	isMember, err := s.repo.IsGroupMember(ctx, pool.GroupID, contributorID)
	if err != nil {
		return nil, fmt.Errorf("failed to check group membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotGroupMember
	}

	// Advisory target check: pending contributions from other members can race
	// past this, so settlement re-validates under a pool row lock.
	succeeded, err := s.repo.SumSucceededContributions(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum succeeded contributions: %w", err)
	}
	if succeeded+req.Amount > pool.TargetAmount {
		return nil, ErrExceedsTarget
	}

	capDecision, err := s.CheckCap(ctx, pool.GroupID, contributorID, req.Amount)
	if err != nil {
		return nil, err
	}
	if !capDecision.Allowed {
		return nil, ErrExceedsCap
	}

	contribution := &domain.Contribution{
		ID:            uuid.New(),
		PoolID:        poolID,
		ContributorID: contributorID,
		Amount:        req.Amount,
		Status:        domain.ContributionStatusPending,
	}
	if err := s.repo.CreateContribution(ctx, contribution); err != nil {
		return nil, fmt.Errorf("failed to create contribution: %w", err)
	}

	collection, err := s.gateway.CollectContribution(ctx, contribution.ID, pool.Currency, req.Amount, req.Method)
	if err != nil {
		log.Printf("level=warn component=pool_service msg=\"gateway collection failed; contribution stays pending\" contribution_id=%s err=%v", contribution.ID, err)
		return nil, ErrGatewayUnavailable
	}

	if err := s.repo.AttachContributionGatewayRef(ctx, contribution.ID, collection.Data.ID); err != nil {
		// The gateway accepted the collection; losing the ref only costs us
		// correlation convenience, settlement still carries the contribution id.
		log.Printf("level=warn component=pool_service msg=\"failed to attach gateway ref\" contribution_id=%s gateway_ref=%s err=%v", contribution.ID, collection.Data.ID, err)
	} else {
		ref := collection.Data.ID
		contribution.GatewayRef = &ref
	}

	log.Printf("level=info component=pool_service msg=\"contribution submitted\" contribution_id=%s pool_id=%s amount=%d", contribution.ID, poolID, req.Amount)
	return contribution, nil
}

// CheckCap evaluates a prospective contribution amount against the member's
// group-wide cap. Members without a cap row are unlimited.
func (s *Service) CheckCap(ctx context.Context, groupID, memberID uuid.UUID, amount int64) (*domain.CapDecision, error) {
	memberCap, err := s.repo.FindCapForMember(ctx, groupID, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up member cap: %w", err)
	}
	if memberCap == nil {
		return &domain.CapDecision{Allowed: true, Remaining: -1}, nil
	}

	contributed, err := s.repo.SumMemberSucceededContributions(ctx, groupID, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum member contributions: %w", err)
	}

	remaining := memberCap.CapAmount - contributed
	if remaining < 0 {
		remaining = 0
	}
	return &domain.CapDecision{
		Allowed:   amount <= remaining,
		Remaining: remaining,
	}, nil
}

// AvailableBalance recomputes the pool's spendable balance from its ledger
// rows.
func (s *Service) AvailableBalance(ctx context.Context, poolID uuid.UUID) (*domain.PoolBalance, error) {
	if _, err := s.repo.FindPoolByID(ctx, poolID); err != nil {
		return nil, err
	}
	return s.repo.PoolBalance(ctx, poolID)
}

// CreateCard issues the pool's single virtual card. The spending limit is a
// snapshot of the available balance at issue time; later refunds or fees do
// not resize it. Authorization decisions use the live balance, so the snapshot
// only ever acts as an additional gateway-side ceiling.
func (s *Service) CreateCard(ctx context.Context, requesterID uuid.UUID, req domain.CreateCardRequest) (*domain.Card, error) {
	pool, err := s.repo.FindPoolByID(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == domain.PoolStatusClosed {
		return nil, ErrPoolNotOpen
	}

	isMember, err := s.repo.IsGroupMember(ctx, pool.GroupID, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to check group membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotGroupMember
	}

	if existing, err := s.repo.FindCardByPoolID(ctx, req.PoolID); err == nil && existing != nil {
		return nil, store.ErrCardAlreadyExists
	} else if err != nil && !errors.Is(err, store.ErrCardNotFound) {
		return nil, err
	}

	balance, err := s.repo.PoolBalance(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	if balance.Available <= 0 {
		return nil, ErrNoFunds
	}

	issued, err := s.gateway.IssueCard(ctx, req.PoolID, pool.Currency, req.Network, balance.Available)
	if err != nil {
		log.Printf("level=warn component=pool_service msg=\"gateway card issue failed\" pool_id=%s err=%v", req.PoolID, err)
		return nil, ErrGatewayUnavailable
	}

	card := &domain.Card{
		ID:             uuid.New(),
		PoolID:         req.PoolID,
		Network:        req.Network,
		Status:         domain.CardStatusActive,
		GatewayCardRef: issued.Data.ID,
		SpendingLimit:  balance.Available,
	}
	if err := s.repo.CreateCard(ctx, card); err != nil {
		// The gateway-side card already exists; close it so a lost insert race
		// does not leave an orphaned active card able to authorize spends.
		if _, closeErr := s.gateway.UpdateCardStatus(ctx, issued.Data.ID, domain.CardStatusClosed); closeErr != nil {
			log.Printf("level=warn component=pool_service msg=\"failed to close orphaned gateway card\" pool_id=%s gateway_card_ref=%s err=%v", req.PoolID, issued.Data.ID, closeErr)
		}
		if errors.Is(err, store.ErrCardAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to persist card: %w", err)
	}

	log.Printf("level=info component=pool_service msg=\"card issued\" card_id=%s pool_id=%s spending_limit=%d", card.ID, req.PoolID, card.SpendingLimit)
	return card, nil
}

// SetCardStatus moves a card between active, suspended and closed. Closed is
// terminal: the repository rejects any transition away from it. The change is
// mirrored to the gateway best-effort after the local update commits.
func (s *Service) SetCardStatus(ctx context.Context, cardID uuid.UUID, status string) (*domain.Card, error) {
	if !domain.ValidCardStatus(status) {
		return nil, ErrInvalidCardStatus
	}

	card, err := s.repo.UpdateCardStatus(ctx, cardID, status)
	if err != nil {
		return nil, err
	}

	if _, err := s.gateway.UpdateCardStatus(ctx, card.GatewayCardRef, status); err != nil {
		log.Printf("level=warn component=pool_service msg=\"gateway card status mirror failed\" card_id=%s status=%s err=%v", cardID, status, err)
	}

	return card, nil
}

// DeleteCard removes a card that never saw any transactions. Cards with
// ledger activity must be closed instead so the transaction history keeps a
// valid parent.
func (s *Service) DeleteCard(ctx context.Context, cardID uuid.UUID) error {
	card, err := s.repo.FindCardByID(ctx, cardID)
	if err != nil {
		return err
	}

	count, err := s.repo.CountCardTransactions(ctx, cardID)
	if err != nil {
		return fmt.Errorf("failed to count card transactions: %w", err)
	}
	if count > 0 {
		return store.ErrCardHasTransactions
	}

	if err := s.repo.DeleteCard(ctx, cardID); err != nil {
		return err
	}

	if _, err := s.gateway.UpdateCardStatus(ctx, card.GatewayCardRef, domain.CardStatusClosed); err != nil {
		log.Printf("level=warn component=pool_service msg=\"gateway card close mirror failed\" card_id=%s err=%v", cardID, err)
	}
	return nil
}

// ClosePool finishes a pool's lifecycle. A pool holding spendable funds can
// only be closed with force=true, which acknowledges the residual balance.
func (s *Service) ClosePool(ctx context.Context, poolID uuid.UUID, requesterID uuid.UUID, force bool) (*domain.Pool, error) {
	pool, err := s.repo.FindPoolByID(ctx, poolID)
	if err != nil {
		return nil, err
	}

	isMember, err := s.repo.IsGroupMember(ctx, pool.GroupID, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to check group membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotGroupMember
	}

	closed, err := s.repo.ClosePool(ctx, poolID, force)
	if err != nil {
		return nil, err
	}

	if card, cardErr := s.repo.FindCardByPoolID(ctx, poolID); cardErr == nil && card.Status != domain.CardStatusClosed {
		if _, err := s.repo.UpdateCardStatus(ctx, card.ID, domain.CardStatusClosed); err != nil {
			log.Printf("level=warn component=pool_service msg=\"failed to close card with pool\" pool_id=%s card_id=%s err=%v", poolID, card.ID, err)
		} else if _, err := s.gateway.UpdateCardStatus(ctx, card.GatewayCardRef, domain.CardStatusClosed); err != nil {
			log.Printf("level=warn component=pool_service msg=\"gateway card close mirror failed\" card_id=%s err=%v", card.ID, err)
		}
	}

	log.Printf("level=info component=pool_service msg=\"pool closed\" pool_id=%s force=%v", poolID, force)
	return closed, nil
}
