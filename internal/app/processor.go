/**
 * @description
 * This file implements the gateway event processor, the single writer for all
 * gateway-originated state changes. The webhook receiver publishes validated
 * events onto the pool.events exchange; the processor consumes them with
 * at-least-once delivery and makes every application idempotent: the gateway
 * reference is claimed before any mutation and marked completed after it, a
 * completed reference turns redeliveries into no-ops, a failed application
 * releases the claim so redelivery can retry, and a claim orphaned by a crash
 * is handed to the next delivery rather than treated as a duplicate. Appliers
 * therefore tolerate re-application: settlements repeat as no-ops and
 * transaction rows upsert by gateway reference.
 *
 * @dependencies
 * - context, encoding/json, errors, log, time: Standard Go libraries.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/potluck/pool-service/internal/domain"
	"github.com/potluck/pool-service/internal/store"
)

const processorTimeout = 30 * time.Second

// GatewayEventProcessor applies gateway events to the ledger.
type GatewayEventProcessor struct {
	repo store.Repository
}

// NewGatewayEventProcessor creates a processor backed by the given repository.
func NewGatewayEventProcessor(repo store.Repository) *GatewayEventProcessor {
	return &GatewayEventProcessor{repo: repo}
}

// Bindings returns the routing-key handler map the consumer binds to the
// pool.events exchange. Each handler returns true to ack and false to nack for
// redelivery.
func (p *GatewayEventProcessor) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.EventContributionSettled: p.handle(p.applyContributionSettled),
		domain.EventContributionFailed:  p.handle(p.applyContributionFailed),
		domain.EventPurchaseSettled:     p.handle(p.applyPurchaseSettled),
		domain.EventCardStatusPushed:    p.handle(p.applyCardStatusPushed),
		domain.EventRefundIssued:        p.handle(p.applyRefundIssued),
	}
}

// handle wraps an event application with decode, idempotency-claim and
// release-on-failure plumbing shared by every binding.
func (p *GatewayEventProcessor) handle(apply func(ctx context.Context, event domain.GatewayEvent) error) func([]byte) bool {
	return func(body []byte) bool {
		ctx, cancel := context.WithTimeout(context.Background(), processorTimeout)
		defer cancel()

		event, err := domain.DecodeGatewayEvent(body)
		if err != nil {
			// A malformed body will never become parseable; drop it.
			log.Printf("level=error component=event_processor msg=\"dropping undecodable event\" err=%v", err)
			return true
		}

		first, err := p.repo.AcquireGatewayEvent(ctx, event.Reference(), event.Kind())
		if err != nil {
			log.Printf("level=error component=event_processor msg=\"idempotency claim failed\" kind=%s reference=%s err=%v", event.Kind(), event.Reference(), err)
			return false
		}
		if !first {
			log.Printf("level=info component=event_processor msg=\"duplicate delivery ignored\" kind=%s reference=%s", event.Kind(), event.Reference())
			return true
		}

		if err := apply(ctx, event); err != nil {
			log.Printf("level=error component=event_processor msg=\"event application failed; releasing claim\" kind=%s reference=%s err=%v", event.Kind(), event.Reference(), err)
			if relErr := p.repo.ReleaseGatewayEvent(ctx, event.Reference()); relErr != nil {
				log.Printf("level=error component=event_processor msg=\"claim release failed\" reference=%s err=%v", event.Reference(), relErr)
			}
			return false
		}

		// An incomplete claim is reclaimable, so a failure here only means a
		// later duplicate re-applies the event, which every applier tolerates.
		if err := p.repo.CompleteGatewayEvent(ctx, event.Reference()); err != nil {
			log.Printf("level=warn component=event_processor msg=\"claim completion failed\" reference=%s err=%v", event.Reference(), err)
		}
		return true
	}
}

func (p *GatewayEventProcessor) applyContributionSettled(ctx context.Context, event domain.GatewayEvent) error {
	settled, ok := event.(domain.ContributionSettledEvent)
	if !ok {
		return errors.New("unexpected event variant for contribution.settled")
	}

	result, err := p.repo.SettleContribution(ctx, settled.ContributionID, domain.ContributionStatusSucceeded, nil)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			log.Printf("level=warn component=event_processor msg=\"conflicting settlement ignored\" contribution_id=%s", settled.ContributionID)
			return nil
		}
		return err
	}

	switch {
	case result.AlreadySettled:
		log.Printf("level=info component=event_processor msg=\"contribution already succeeded\" contribution_id=%s", settled.ContributionID)
	case result.TargetExceeded:
		log.Printf("level=warn component=event_processor msg=\"settlement failed contribution: pool target would be exceeded\" contribution_id=%s pool_id=%s", settled.ContributionID, result.Contribution.PoolID)
	case result.PoolFunded:
		log.Printf("level=info component=event_processor msg=\"contribution settled; pool fully funded\" contribution_id=%s pool_id=%s", settled.ContributionID, result.Contribution.PoolID)
	default:
		log.Printf("level=info component=event_processor msg=\"contribution settled\" contribution_id=%s amount=%d", settled.ContributionID, result.Contribution.Amount)
	}
	return nil
}

func (p *GatewayEventProcessor) applyContributionFailed(ctx context.Context, event domain.GatewayEvent) error {
	failed, ok := event.(domain.ContributionFailedEvent)
	if !ok {
		return errors.New("unexpected event variant for contribution.failed")
	}

	reason := failed.Reason
	if reason == "" {
		reason = "GatewayDeclined"
	}
	result, err := p.repo.SettleContribution(ctx, failed.ContributionID, domain.ContributionStatusFailed, &reason)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			log.Printf("level=warn component=event_processor msg=\"conflicting failure ignored\" contribution_id=%s", failed.ContributionID)
			return nil
		}
		return err
	}
	if result.AlreadySettled {
		log.Printf("level=info component=event_processor msg=\"contribution already failed\" contribution_id=%s", failed.ContributionID)
		return nil
	}
	log.Printf("level=info component=event_processor msg=\"contribution failed\" contribution_id=%s reason=%s", failed.ContributionID, reason)
	return nil
}

// applyPurchaseSettled records a finalized card charge. The gateway reports a
// signed amount: a negative settlement is a merchant reversal and lands as a
// refund row.
func (p *GatewayEventProcessor) applyPurchaseSettled(ctx context.Context, event domain.GatewayEvent) error {
	settled, ok := event.(domain.PurchaseSettledEvent)
	if !ok {
		return errors.New("unexpected event variant for purchase.settled")
	}

	card, err := p.repo.FindCardByGatewayRef(ctx, settled.CardRef)
	if err != nil {
		if errors.Is(err, store.ErrCardNotFound) {
			log.Printf("level=warn component=event_processor msg=\"purchase settlement for unknown card dropped\" card_ref=%s reference=%s", settled.CardRef, settled.Ref)
			return nil
		}
		return err
	}

	txType := domain.TransactionTypePurchase
	amount := settled.Amount
	if amount < 0 {
		txType = domain.TransactionTypeRefund
		amount = -amount
	}

	tx := &domain.Transaction{
		ID:         uuid.New(),
		PoolID:     card.PoolID,
		CardID:     card.ID,
		Amount:     amount,
		Type:       txType,
		Status:     domain.TransactionStatusApproved,
		GatewayRef: settled.Ref,
	}
	if settled.MerchantName != "" {
		tx.MerchantName = &settled.MerchantName
	}
	if settled.MerchantCategory != "" {
		tx.MerchantCategory = &settled.MerchantCategory
	}

	created, err := p.repo.UpsertTransactionByGatewayRef(ctx, tx)
	if err != nil {
		return err
	}
	if !created {
		log.Printf("level=info component=event_processor msg=\"settlement updated existing transaction\" gateway_ref=%s", settled.Ref)
	} else {
		log.Printf("level=info component=event_processor msg=\"transaction recorded\" gateway_ref=%s type=%s amount=%d pool_id=%s", settled.Ref, txType, amount, card.PoolID)
	}
	return nil
}

// applyCardStatusPushed mirrors a gateway-side card status change. The closed
// state stays terminal on our side: a push that would resurrect a closed card
// is an anomaly worth logging, not applying.
func (p *GatewayEventProcessor) applyCardStatusPushed(ctx context.Context, event domain.GatewayEvent) error {
	pushed, ok := event.(domain.CardStatusPushedEvent)
	if !ok {
		return errors.New("unexpected event variant for card.status_pushed")
	}

	if !domain.ValidCardStatus(pushed.Status) {
		log.Printf("level=warn component=event_processor msg=\"unknown card status in push dropped\" card_ref=%s status=%q", pushed.CardRef, pushed.Status)
		return nil
	}

	card, err := p.repo.FindCardByGatewayRef(ctx, pushed.CardRef)
	if err != nil {
		if errors.Is(err, store.ErrCardNotFound) {
			log.Printf("level=warn component=event_processor msg=\"status push for unknown card dropped\" card_ref=%s", pushed.CardRef)
			return nil
		}
		return err
	}

	if _, err := p.repo.UpdateCardStatus(ctx, card.ID, pushed.Status); err != nil {
		if errors.Is(err, store.ErrCardClosed) {
			log.Printf("level=warn component=event_processor msg=\"status push would reopen closed card; ignored\" card_id=%s pushed_status=%s", card.ID, pushed.Status)
			return nil
		}
		return err
	}

	log.Printf("level=info component=event_processor msg=\"card status mirrored\" card_id=%s status=%s", card.ID, pushed.Status)
	return nil
}

// applyRefundIssued records a gateway refund against a previously collected
// contribution as a refund transaction, which raises the pool's available
// balance without reopening the contribution row.
func (p *GatewayEventProcessor) applyRefundIssued(ctx context.Context, event domain.GatewayEvent) error {
	refund, ok := event.(domain.RefundIssuedEvent)
	if !ok {
		return errors.New("unexpected event variant for refund.issued")
	}
	if refund.Amount <= 0 {
		log.Printf("level=warn component=event_processor msg=\"non-positive refund dropped\" reference=%s amount=%d", refund.Ref, refund.Amount)
		return nil
	}

	contribution, err := p.repo.FindContributionByID(ctx, refund.ContributionID)
	if err != nil {
		if errors.Is(err, store.ErrContributionNotFound) {
			log.Printf("level=warn component=event_processor msg=\"refund for unknown contribution dropped\" contribution_id=%s reference=%s", refund.ContributionID, refund.Ref)
			return nil
		}
		return err
	}

	// Transaction rows hang off the pool's card; a refund on a pool that never
	// issued a card has nowhere to land.
	card, err := p.repo.FindCardByPoolID(ctx, contribution.PoolID)
	if err != nil {
		if errors.Is(err, store.ErrCardNotFound) {
			log.Printf("level=warn component=event_processor msg=\"refund on cardless pool dropped\" pool_id=%s reference=%s", contribution.PoolID, refund.Ref)
			return nil
		}
		return err
	}

	tx := &domain.Transaction{
		ID:         uuid.New(),
		PoolID:     contribution.PoolID,
		CardID:     card.ID,
		Amount:     refund.Amount,
		Type:       domain.TransactionTypeRefund,
		Status:     domain.TransactionStatusApproved,
		GatewayRef: refund.Ref,
	}
	created, err := p.repo.UpsertTransactionByGatewayRef(ctx, tx)
	if err != nil {
		return err
	}
	if created {
		log.Printf("level=info component=event_processor msg=\"refund recorded\" reference=%s pool_id=%s amount=%d", refund.Ref, contribution.PoolID, refund.Amount)
	}
	return nil
}
