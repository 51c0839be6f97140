package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/potluck/pool-service/internal/app"
	"github.com/potluck/pool-service/internal/domain"
	"github.com/potluck/pool-service/internal/store"
	"github.com/potluck/pool-service/pkg/gatewayclient"
)

// handlerStubRepo covers the endpoint paths: pool lookup, membership, sums,
// contribution persistence and card state.
type handlerStubRepo struct {
	store.Repository

	pool               *domain.Pool
	isMember           bool
	succeededSum       int64
	memberCap          *domain.MembershipCap
	memberSucceededSum int64
	balance            *domain.PoolBalance
	card               *domain.Card
	updateCardErr      error
	txCount            int64
}

func (r *handlerStubRepo) FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	if r.pool == nil || r.pool.ID != poolID {
		return nil, store.ErrPoolNotFound
	}
	return r.pool, nil
}

func (r *handlerStubRepo) IsGroupMember(ctx context.Context, groupID, memberID uuid.UUID) (bool, error) {
	return r.isMember, nil
}

func (r *handlerStubRepo) SumSucceededContributions(ctx context.Context, poolID uuid.UUID) (int64, error) {
	return r.succeededSum, nil
}

func (r *handlerStubRepo) FindCapForMember(ctx context.Context, groupID, memberID uuid.UUID) (*domain.MembershipCap, error) {
	return r.memberCap, nil
}

func (r *handlerStubRepo) SumMemberSucceededContributions(ctx context.Context, groupID, memberID uuid.UUID) (int64, error) {
	return r.memberSucceededSum, nil
}

func (r *handlerStubRepo) CreateContribution(ctx context.Context, contribution *domain.Contribution) error {
	return nil
}

func (r *handlerStubRepo) AttachContributionGatewayRef(ctx context.Context, contributionID uuid.UUID, gatewayRef string) error {
	return nil
}

func (r *handlerStubRepo) PoolBalance(ctx context.Context, poolID uuid.UUID) (*domain.PoolBalance, error) {
	return r.balance, nil
}

func (r *handlerStubRepo) FindCardByID(ctx context.Context, cardID uuid.UUID) (*domain.Card, error) {
	if r.card == nil || r.card.ID != cardID {
		return nil, store.ErrCardNotFound
	}
	return r.card, nil
}

func (r *handlerStubRepo) UpdateCardStatus(ctx context.Context, cardID uuid.UUID, status string) (*domain.Card, error) {
	if r.updateCardErr != nil {
		return nil, r.updateCardErr
	}
	if r.card == nil || r.card.ID != cardID {
		return nil, store.ErrCardNotFound
	}
	r.card.Status = status
	return r.card, nil
}

func (r *handlerStubRepo) CountCardTransactions(ctx context.Context, cardID uuid.UUID) (int64, error) {
	return r.txCount, nil
}

// handlerStubGateway answers every gateway call successfully.
type handlerStubGateway struct{}

func (g *handlerStubGateway) CollectContribution(ctx context.Context, contributionID uuid.UUID, currency string, amount int64, method string) (*gatewayclient.CollectionResponse, error) {
	resp := &gatewayclient.CollectionResponse{}
	resp.Data.ID = "col_1"
	return resp, nil
}

func (g *handlerStubGateway) IssueCard(ctx context.Context, poolID uuid.UUID, currency, network string, spendingLimit int64) (*gatewayclient.CardResponse, error) {
	resp := &gatewayclient.CardResponse{}
	resp.Data.ID = "card_1"
	return resp, nil
}

func (g *handlerStubGateway) UpdateCardStatus(ctx context.Context, gatewayCardRef, status string) (*gatewayclient.CardResponse, error) {
	return &gatewayclient.CardResponse{}, nil
}

func testRouter(repo store.Repository) http.Handler {
	service := app.NewService(repo, &handlerStubGateway{})
	h := NewPoolHandlers(service, nil, 0)

	r := chi.NewRouter()
	r.Post("/pools/{poolID}/contributions", h.SubmitContributionHandler)
	r.Get("/pools/{poolID}/balance", h.PoolBalanceHandler)
	r.Put("/cards/{cardID}", h.UpdateCardStatusHandler)
	r.Delete("/cards/{cardID}", h.DeleteCardHandler)
	return r
}

func authedRequest(method, target string, body []byte, memberID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	return req.WithContext(context.WithValue(req.Context(), memberIDKey, memberID))
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestSubmitContributionHandler_Created(t *testing.T) {
	pool := &domain.Pool{ID: uuid.New(), GroupID: uuid.New(), Currency: "USD", TargetAmount: 10000, Status: domain.PoolStatusOpen}
	repo := &handlerStubRepo{pool: pool, isMember: true}
	router := testRouter(repo)

	req := authedRequest(http.MethodPost, "/pools/"+pool.ID.String()+"/contributions", []byte(`{"amount":500,"method":"card"}`), uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var contribution domain.Contribution
	if err := json.Unmarshal(rec.Body.Bytes(), &contribution); err != nil {
		t.Fatalf("failed to decode contribution: %v", err)
	}
	if contribution.Status != domain.ContributionStatusPending {
		t.Fatalf("expected pending contribution, got %q", contribution.Status)
	}
}

func TestSubmitContributionHandler_MissingPoolIs404(t *testing.T) {
	repo := &handlerStubRepo{}
	router := testRouter(repo)

	req := authedRequest(http.MethodPost, "/pools/"+uuid.NewString()+"/contributions", []byte(`{"amount":500}`), uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitContributionHandler_NonMemberLooksLikeMissingPool(t *testing.T) {
	pool := &domain.Pool{ID: uuid.New(), GroupID: uuid.New(), Currency: "USD", TargetAmount: 10000, Status: domain.PoolStatusOpen}
	repo := &handlerStubRepo{pool: pool, isMember: false}
	router := testRouter(repo)

	req := authedRequest(http.MethodPost, "/pools/"+pool.ID.String()+"/contributions", []byte(`{"amount":500}`), uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a non-member, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != codePoolNotFound {
		t.Fatalf("non-members must see the same code as a missing pool, got %q", code)
	}
}

func TestSubmitContributionHandler_ExceedsCapCode(t *testing.T) {
	memberID := uuid.New()
	pool := &domain.Pool{ID: uuid.New(), GroupID: uuid.New(), Currency: "USD", TargetAmount: 100000, Status: domain.PoolStatusOpen}
	repo := &handlerStubRepo{
		pool:               pool,
		isMember:           true,
		memberCap:          &domain.MembershipCap{GroupID: pool.GroupID, MemberID: memberID, CapAmount: 1000},
		memberSucceededSum: 900,
	}
	router := testRouter(repo)

	req := authedRequest(http.MethodPost, "/pools/"+pool.ID.String()+"/contributions", []byte(`{"amount":200}`), memberID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != codeExceedsCap {
		t.Fatalf("expected code %q, got %q", codeExceedsCap, code)
	}
}

func TestPoolBalanceHandler_ReturnsComponents(t *testing.T) {
	pool := &domain.Pool{ID: uuid.New(), GroupID: uuid.New(), Currency: "USD", TargetAmount: 10000, Status: domain.PoolStatusFunded}
	repo := &handlerStubRepo{
		pool: pool,
		balance: &domain.PoolBalance{
			PoolID:                 pool.ID,
			Available:              7300,
			SucceededContributions: 10000,
			Purchases:              3000,
			Refunds:                500,
			Fees:                   200,
		},
	}
	router := testRouter(repo)

	req := authedRequest(http.MethodGet, "/pools/"+pool.ID.String()+"/balance", nil, uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var balance domain.PoolBalance
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("failed to decode balance: %v", err)
	}
	if balance.Available != 7300 {
		t.Fatalf("expected available 7300, got %d", balance.Available)
	}
}

func TestUpdateCardStatusHandler_ClosedCardIsRejected(t *testing.T) {
	card := &domain.Card{ID: uuid.New(), PoolID: uuid.New(), Status: domain.CardStatusClosed, GatewayCardRef: "card_ref"}
	repo := &handlerStubRepo{card: card, updateCardErr: store.ErrCardClosed}
	router := testRouter(repo)

	req := authedRequest(http.MethodPut, "/cards/"+card.ID.String(), []byte(`{"status":"active"}`), uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != codeCannotReactivateClosed {
		t.Fatalf("expected code %q, got %q", codeCannotReactivateClosed, code)
	}
}

func TestUpdateCardStatusHandler_SuspendsCard(t *testing.T) {
	card := &domain.Card{ID: uuid.New(), PoolID: uuid.New(), Status: domain.CardStatusActive, GatewayCardRef: "card_ref"}
	repo := &handlerStubRepo{card: card}
	router := testRouter(repo)

	req := authedRequest(http.MethodPut, "/cards/"+card.ID.String(), []byte(`{"status":"suspended"}`), uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got domain.Card
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode card: %v", err)
	}
	if got.Status != domain.CardStatusSuspended {
		t.Fatalf("expected suspended, got %q", got.Status)
	}
}

func TestDeleteCardHandler_WithTransactionsIsRejected(t *testing.T) {
	card := &domain.Card{ID: uuid.New(), PoolID: uuid.New(), Status: domain.CardStatusActive, GatewayCardRef: "card_ref"}
	repo := &handlerStubRepo{card: card, txCount: 2}
	router := testRouter(repo)

	req := authedRequest(http.MethodDelete, "/cards/"+card.ID.String(), nil, uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != codeCardHasTransactions {
		t.Fatalf("expected code %q, got %q", codeCardHasTransactions, code)
	}
}
