/**
 * @description
 * This file implements the real-time card authorization decision. The gateway
 * holds a purchase attempt open while it asks us to approve or decline; the
 * answer must come back on the webhook response itself, so this path runs
 * synchronously and never touches the ledger. Settlement later records the
 * actual charge through the event processor.
 *
 * @dependencies
 * - context, errors, log: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"log"

	"github.com/potluck/pool-service/internal/domain"
	"github.com/potluck/pool-service/internal/store"
)

// Authorization decline reasons reported back to the gateway.
const (
	DeclineReasonUnknownCard         = "UnknownCard"
	DeclineReasonCardNotActive       = "CardNotActive"
	DeclineReasonInsufficientBalance = "InsufficientBalance"
)

// AuthorizationDecision is the synchronous answer to a purchase attempt.
type AuthorizationDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// AuthorizeCardPurchase decides a purchase attempt against the card's current
// status and the pool's live recomputed balance. An amount equal to the
// available balance is approved; one unit over is declined. Cards we do not
// recognize are declined without disclosing whether the ref ever existed.
func (s *Service) AuthorizeCardPurchase(ctx context.Context, gatewayCardRef string, amount int64) (*AuthorizationDecision, error) {
	card, err := s.repo.FindCardByGatewayRef(ctx, gatewayCardRef)
	if err != nil {
		if errors.Is(err, store.ErrCardNotFound) {
			log.Printf("level=info component=authorization decision=declined reason=%s card_ref=%s amount=%d", DeclineReasonUnknownCard, gatewayCardRef, amount)
			return &AuthorizationDecision{Approved: false, Reason: DeclineReasonUnknownCard}, nil
		}
		return nil, err
	}

	if card.Status != domain.CardStatusActive {
		log.Printf("level=info component=authorization decision=declined reason=%s card_id=%s status=%s amount=%d", DeclineReasonCardNotActive, card.ID, card.Status, amount)
		return &AuthorizationDecision{Approved: false, Reason: DeclineReasonCardNotActive}, nil
	}

	balance, err := s.repo.PoolBalance(ctx, card.PoolID)
	if err != nil {
		return nil, err
	}
	if amount > balance.Available {
		log.Printf("level=info component=authorization decision=declined reason=%s card_id=%s amount=%d available=%d", DeclineReasonInsufficientBalance, card.ID, amount, balance.Available)
		return &AuthorizationDecision{Approved: false, Reason: DeclineReasonInsufficientBalance}, nil
	}

	log.Printf("level=info component=authorization decision=approved card_id=%s pool_id=%s amount=%d available=%d", card.ID, card.PoolID, amount, balance.Available)
	return &AuthorizationDecision{Approved: true}, nil
}
