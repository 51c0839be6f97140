package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/potluck/pool-service/internal/domain"
	"github.com/potluck/pool-service/internal/store"
)

// processorStubRepo records every mutation the processor attempts so tests can
// assert on exactly what was applied.
type processorStubRepo struct {
	store.Repository

	claimed       map[string]bool
	completed     map[string]bool
	releasedRefs  []string
	settleOutcome string
	settleReason  *string
	settleResult  *store.SettlementResult
	settleErr     error

	card          *domain.Card
	contribution  *domain.Contribution
	upsertedTx    *domain.Transaction
	upsertCreated bool
	statusUpdates []string
	updateErr     error
}

func newProcessorStubRepo() *processorStubRepo {
	return &processorStubRepo{
		claimed:       make(map[string]bool),
		completed:     make(map[string]bool),
		upsertCreated: true,
	}
}

// AcquireGatewayEvent mirrors the store semantics: only a completed reference
// is a duplicate; an incomplete claim left behind by a dead worker is handed
// to the next delivery.
func (r *processorStubRepo) AcquireGatewayEvent(ctx context.Context, reference, kind string) (bool, error) {
	if r.completed[reference] {
		return false, nil
	}
	r.claimed[reference] = true
	return true, nil
}

func (r *processorStubRepo) CompleteGatewayEvent(ctx context.Context, reference string) error {
	r.completed[reference] = true
	return nil
}

func (r *processorStubRepo) ReleaseGatewayEvent(ctx context.Context, reference string) error {
	delete(r.claimed, reference)
	r.releasedRefs = append(r.releasedRefs, reference)
	return nil
}

func (r *processorStubRepo) SettleContribution(ctx context.Context, contributionID uuid.UUID, outcome string, failureReason *string) (*store.SettlementResult, error) {
	r.settleOutcome = outcome
	r.settleReason = failureReason
	if r.settleErr != nil {
		return nil, r.settleErr
	}
	if r.settleResult != nil {
		return r.settleResult, nil
	}
	return &store.SettlementResult{
		Contribution: &domain.Contribution{ID: contributionID, PoolID: uuid.New(), Status: outcome},
	}, nil
}

func (r *processorStubRepo) FindCardByGatewayRef(ctx context.Context, gatewayCardRef string) (*domain.Card, error) {
	if r.card == nil || r.card.GatewayCardRef != gatewayCardRef {
		return nil, store.ErrCardNotFound
	}
	return r.card, nil
}

func (r *processorStubRepo) FindCardByPoolID(ctx context.Context, poolID uuid.UUID) (*domain.Card, error) {
	if r.card == nil || r.card.PoolID != poolID {
		return nil, store.ErrCardNotFound
	}
	return r.card, nil
}

func (r *processorStubRepo) FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error) {
	if r.contribution == nil || r.contribution.ID != contributionID {
		return nil, store.ErrContributionNotFound
	}
	return r.contribution, nil
}

func (r *processorStubRepo) UpsertTransactionByGatewayRef(ctx context.Context, tx *domain.Transaction) (bool, error) {
	r.upsertedTx = tx
	return r.upsertCreated, nil
}

func (r *processorStubRepo) UpdateCardStatus(ctx context.Context, cardID uuid.UUID, status string) (*domain.Card, error) {
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	r.statusUpdates = append(r.statusUpdates, status)
	r.card.Status = status
	return r.card, nil
}

func envelope(kind, object string) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"data":{"object":%s}}`, kind, object))
}

func TestProcessor_SettlesContribution(t *testing.T) {
	repo := newProcessorStubRepo()
	p := NewGatewayEventProcessor(repo)
	contributionID := uuid.New()

	body := envelope(domain.EventContributionSettled,
		fmt.Sprintf(`{"reference":"evt_1","contribution_id":%q}`, contributionID))

	handler := p.Bindings()[domain.EventContributionSettled]
	if !handler(body) {
		t.Fatal("expected handler to ack")
	}
	if repo.settleOutcome != domain.ContributionStatusSucceeded {
		t.Fatalf("expected succeeded settlement, got %q", repo.settleOutcome)
	}
}

func TestProcessor_DuplicateDeliveryIsNoOp(t *testing.T) {
	repo := newProcessorStubRepo()
	p := NewGatewayEventProcessor(repo)
	contributionID := uuid.New()

	body := envelope(domain.EventContributionSettled,
		fmt.Sprintf(`{"reference":"evt_dup","contribution_id":%q}`, contributionID))

	handler := p.Bindings()[domain.EventContributionSettled]
	if !handler(body) {
		t.Fatal("first delivery should ack")
	}
	repo.settleOutcome = ""

	if !handler(body) {
		t.Fatal("duplicate delivery should still ack")
	}
	if repo.settleOutcome != "" {
		t.Fatal("duplicate delivery must not re-apply the settlement")
	}
}

func TestProcessor_FailedApplicationReleasesClaimForRetry(t *testing.T) {
	repo := newProcessorStubRepo()
	repo.settleErr = errors.New("deadlock detected")
	p := NewGatewayEventProcessor(repo)
	contributionID := uuid.New()

	body := envelope(domain.EventContributionSettled,
		fmt.Sprintf(`{"reference":"evt_retry","contribution_id":%q}`, contributionID))

	handler := p.Bindings()[domain.EventContributionSettled]
	if handler(body) {
		t.Fatal("expected nack on application failure")
	}
	if len(repo.releasedRefs) != 1 || repo.releasedRefs[0] != "evt_retry" {
		t.Fatalf("expected claim release for retry, got %v", repo.releasedRefs)
	}

	// Redelivery must be able to acquire and apply again.
	repo.settleErr = nil
	if !handler(body) {
		t.Fatal("redelivery after release should succeed")
	}
	if repo.settleOutcome != domain.ContributionStatusSucceeded {
		t.Fatal("redelivery did not apply the settlement")
	}
}

func TestProcessor_OrphanedClaimIsReappliedOnRedelivery(t *testing.T) {
	repo := newProcessorStubRepo()
	p := NewGatewayEventProcessor(repo)
	contributionID := uuid.New()

	// A worker claimed the reference and died before applying or releasing:
	// the claim exists but was never completed.
	repo.claimed["evt_orphan"] = true

	body := envelope(domain.EventContributionSettled,
		fmt.Sprintf(`{"reference":"evt_orphan","contribution_id":%q}`, contributionID))

	handler := p.Bindings()[domain.EventContributionSettled]
	if !handler(body) {
		t.Fatal("redelivery of an incomplete claim should ack after applying")
	}
	if repo.settleOutcome != domain.ContributionStatusSucceeded {
		t.Fatal("redelivery must re-apply the settlement, not drop it as a duplicate")
	}
	if !repo.completed["evt_orphan"] {
		t.Fatal("a successful application must complete the claim")
	}
}

func TestProcessor_TargetExceededOutcomeStillAcks(t *testing.T) {
	repo := newProcessorStubRepo()
	repo.settleResult = &store.SettlementResult{
		Contribution:   &domain.Contribution{ID: uuid.New(), PoolID: uuid.New(), Status: domain.ContributionStatusFailed},
		TargetExceeded: true,
	}
	p := NewGatewayEventProcessor(repo)

	body := envelope(domain.EventContributionSettled,
		fmt.Sprintf(`{"reference":"evt_overshoot","contribution_id":%q}`, uuid.New()))

	handler := p.Bindings()[domain.EventContributionSettled]
	if !handler(body) {
		t.Fatal("converted-to-failed settlement is a handled outcome and should ack")
	}
}

func TestProcessor_ContributionFailedRecordsReason(t *testing.T) {
	repo := newProcessorStubRepo()
	p := NewGatewayEventProcessor(repo)

	body := envelope(domain.EventContributionFailed,
		fmt.Sprintf(`{"reference":"evt_fail","contribution_id":%q,"reason":"InsufficientFunds"}`, uuid.New()))

	handler := p.Bindings()[domain.EventContributionFailed]
	if !handler(body) {
		t.Fatal("expected handler to ack")
	}
	if repo.settleOutcome != domain.ContributionStatusFailed {
		t.Fatalf("expected failed settlement, got %q", repo.settleOutcome)
	}
	if repo.settleReason == nil || *repo.settleReason != "InsufficientFunds" {
		t.Fatalf("expected failure reason carried through, got %v", repo.settleReason)
	}
}

func TestProcessor_PurchaseSettledRecordsPurchase(t *testing.T) {
	repo := newProcessorStubRepo()
	poolID := uuid.New()
	repo.card = &domain.Card{ID: uuid.New(), PoolID: poolID, Status: domain.CardStatusActive, GatewayCardRef: "card_ref_1"}
	p := NewGatewayEventProcessor(repo)

	body := envelope(domain.EventPurchaseSettled,
		`{"reference":"txn_1","card_ref":"card_ref_1","amount":2500,"merchant_name":"Campsite Rentals","merchant_category":"outdoor"}`)

	handler := p.Bindings()[domain.EventPurchaseSettled]
	if !handler(body) {
		t.Fatal("expected handler to ack")
	}
	tx := repo.upsertedTx
	if tx == nil {
		t.Fatal("expected a transaction upsert")
	}
	if tx.Type != domain.TransactionTypePurchase || tx.Amount != 2500 {
		t.Fatalf("expected purchase of 2500, got type=%q amount=%d", tx.Type, tx.Amount)
	}
	if tx.PoolID != poolID || tx.GatewayRef != "txn_1" {
		t.Fatalf("transaction wired to wrong pool or ref: %+v", tx)
	}
	if tx.MerchantName == nil || *tx.MerchantName != "Campsite Rentals" {
		t.Fatalf("expected merchant name, got %v", tx.MerchantName)
	}
}

func TestProcessor_NegativeSettlementBecomesRefund(t *testing.T) {
	repo := newProcessorStubRepo()
	repo.card = &domain.Card{ID: uuid.New(), PoolID: uuid.New(), Status: domain.CardStatusActive, GatewayCardRef: "card_ref_1"}
	p := NewGatewayEventProcessor(repo)

	body := envelope(domain.EventPurchaseSettled,
		`{"reference":"txn_rev","card_ref":"card_ref_1","amount":-1200}`)

	handler := p.Bindings()[domain.EventPurchaseSettled]
	if !handler(body) {
		t.Fatal("expected handler to ack")
	}
	tx := repo.upsertedTx
	if tx.Type != domain.TransactionTypeRefund {
		t.Fatalf("expected refund type for negative settlement, got %q", tx.Type)
	}
	if tx.Amount != 1200 {
		t.Fatalf("expected absolute amount 1200, got %d", tx.Amount)
	}
}

func TestProcessor_ClosedCardIgnoresReactivationPush(t *testing.T) {
	repo := newProcessorStubRepo()
	repo.card = &domain.Card{ID: uuid.New(), PoolID: uuid.New(), Status: domain.CardStatusClosed, GatewayCardRef: "card_ref_1"}
	repo.updateErr = store.ErrCardClosed
	p := NewGatewayEventProcessor(repo)

	body := envelope(domain.EventCardStatusPushed,
		`{"reference":"evt_push","card_ref":"card_ref_1","status":"active"}`)

	handler := p.Bindings()[domain.EventCardStatusPushed]
	if !handler(body) {
		t.Fatal("a closed->active push is an anomaly to log, not a retryable failure")
	}
	if repo.card.Status != domain.CardStatusClosed {
		t.Fatalf("closed card must stay closed, got %q", repo.card.Status)
	}
}

func TestProcessor_StatusPushMirrorsSuspension(t *testing.T) {
	repo := newProcessorStubRepo()
	repo.card = &domain.Card{ID: uuid.New(), PoolID: uuid.New(), Status: domain.CardStatusActive, GatewayCardRef: "card_ref_1"}
	p := NewGatewayEventProcessor(repo)

	body := envelope(domain.EventCardStatusPushed,
		`{"reference":"evt_push2","card_ref":"card_ref_1","status":"suspended"}`)

	handler := p.Bindings()[domain.EventCardStatusPushed]
	if !handler(body) {
		t.Fatal("expected handler to ack")
	}
	if len(repo.statusUpdates) != 1 || repo.statusUpdates[0] != domain.CardStatusSuspended {
		t.Fatalf("expected suspension mirrored, got %v", repo.statusUpdates)
	}
}

func TestProcessor_RefundIssuedRecordsRefundOnPool(t *testing.T) {
	repo := newProcessorStubRepo()
	poolID := uuid.New()
	contributionID := uuid.New()
	repo.contribution = &domain.Contribution{ID: contributionID, PoolID: poolID, Status: domain.ContributionStatusSucceeded}
	repo.card = &domain.Card{ID: uuid.New(), PoolID: poolID, Status: domain.CardStatusActive, GatewayCardRef: "card_ref_1"}
	p := NewGatewayEventProcessor(repo)

	body := envelope(domain.EventRefundIssued,
		fmt.Sprintf(`{"reference":"rfd_1","contribution_id":%q,"amount":800}`, contributionID))

	handler := p.Bindings()[domain.EventRefundIssued]
	if !handler(body) {
		t.Fatal("expected handler to ack")
	}
	tx := repo.upsertedTx
	if tx == nil || tx.Type != domain.TransactionTypeRefund || tx.Amount != 800 {
		t.Fatalf("expected refund of 800, got %+v", tx)
	}
	if tx.PoolID != poolID {
		t.Fatalf("refund landed on wrong pool: %s", tx.PoolID)
	}
	// The contribution row itself is untouched; the refund lives in the
	// transaction ledger.
	if repo.settleOutcome != "" {
		t.Fatal("refund must not re-settle the contribution")
	}
}

func TestProcessor_RefundOnCardlessPoolIsDropped(t *testing.T) {
	repo := newProcessorStubRepo()
	contributionID := uuid.New()
	repo.contribution = &domain.Contribution{ID: contributionID, PoolID: uuid.New(), Status: domain.ContributionStatusSucceeded}
	p := NewGatewayEventProcessor(repo)

	body := envelope(domain.EventRefundIssued,
		fmt.Sprintf(`{"reference":"rfd_2","contribution_id":%q,"amount":800}`, contributionID))

	handler := p.Bindings()[domain.EventRefundIssued]
	if !handler(body) {
		t.Fatal("a refund on a cardless pool is dropped, not retried")
	}
	if repo.upsertedTx != nil {
		t.Fatal("no transaction should be recorded without a card")
	}
}

func TestProcessor_UndecodableBodyIsDropped(t *testing.T) {
	repo := newProcessorStubRepo()
	p := NewGatewayEventProcessor(repo)

	handler := p.Bindings()[domain.EventContributionSettled]
	if !handler([]byte(`{"type":"contribution.settled","data":{"object":{"contribution_id":"not-a-uuid"}}}`)) {
		t.Fatal("an undecodable body will never parse; it must be dropped, not requeued")
	}
	if len(repo.claimed) != 0 {
		t.Fatal("no claim should be taken for an undecodable body")
	}
}
