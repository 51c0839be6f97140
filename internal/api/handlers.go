/**
 * @description
 * This file contains the HTTP handlers for the pool-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response with a stable error code the mobile client can branch on.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/potluck/pool-service/internal/app"
	"github.com/potluck/pool-service/internal/domain"
	"github.com/potluck/pool-service/internal/store"
)

// Stable error codes returned in the `error` field of failure responses.
const (
	codeInvalidRequest         = "InvalidRequest"
	codeInvalidAmount          = "InvalidAmount"
	codePoolNotFound           = "PoolNotFound"
	codePoolNotOpen            = "PoolNotOpen"
	codePoolHasFunds           = "PoolHasFunds"
	codeExceedsTarget          = "ExceedsTarget"
	codeExceedsCap             = "ExceedsCap"
	codeNoFunds                = "NoFunds"
	codeCardNotFound           = "CardNotFound"
	codeCardAlreadyExists      = "CardAlreadyExists"
	codeCannotReactivateClosed = "CannotReactivateClosed"
	codeCardHasTransactions    = "CardHasTransactions"
	codeGatewayUnavailable     = "GatewayUnavailable"
	codeRateLimited            = "RateLimited"
	codeInternal               = "Internal"
)

// RateLimiter is the subset of the Redis limiter handlers depend on. A nil
// limiter disables throttling.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// PoolHandlers holds the application service that handlers will use.
type PoolHandlers struct {
	service                *app.Service
	limiter                RateLimiter
	contributionRatePerMin int
}

// NewPoolHandlers creates a new instance of PoolHandlers.
func NewPoolHandlers(service *app.Service, limiter RateLimiter, contributionRatePerMin int) *PoolHandlers {
	return &PoolHandlers{
		service:                service,
		limiter:                limiter,
		contributionRatePerMin: contributionRatePerMin,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// SubmitContributionHandler handles POST /pools/{poolID}/contributions.
func (h *PoolHandlers) SubmitContributionHandler(w http.ResponseWriter, r *http.Request) {
	memberID, ok := GetMemberID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "Could not get member ID from context")
		return
	}

	poolID, err := uuid.Parse(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid pool ID")
		return
	}

	if h.limiter != nil && h.contributionRatePerMin > 0 {
		count, retryAfter, limErr := h.limiter.ConsumeRateLimit(r.Context(), "contribution_submit", memberID.String(), h.contributionRatePerMin, time.Minute)
		if limErr != nil {
			log.Printf("level=warn component=api endpoint=submit_contribution msg=\"rate limiter unavailable; allowing request\" err=%v", limErr)
		} else if count > h.contributionRatePerMin {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "Too many contribution attempts. Please wait and try again.")
			return
		}
	}

	var req domain.SubmitContributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
		return
	}

	contribution, err := h.service.SubmitContribution(r.Context(), poolID, memberID, req)
	if err != nil {
		h.writeContributionError(w, memberID, poolID, err)
		return
	}

	writeJSON(w, http.StatusCreated, contribution)
}

func (h *PoolHandlers) writeContributionError(w http.ResponseWriter, memberID, poolID uuid.UUID, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, codeInvalidAmount, "Amount must be a positive integer in minor units")
	case errors.Is(err, store.ErrPoolNotFound):
		writeError(w, http.StatusNotFound, codePoolNotFound, "Pool not found")
	case errors.Is(err, app.ErrNotGroupMember):
		// Non-members get the same answer as a missing pool.
		writeError(w, http.StatusNotFound, codePoolNotFound, "Pool not found")
	case errors.Is(err, app.ErrPoolNotOpen):
		writeError(w, http.StatusBadRequest, codePoolNotOpen, "Pool is not accepting contributions")
	case errors.Is(err, app.ErrExceedsTarget):
		writeError(w, http.StatusBadRequest, codeExceedsTarget, "Contribution would exceed the pool target")
	case errors.Is(err, app.ErrExceedsCap):
		writeError(w, http.StatusBadRequest, codeExceedsCap, "Contribution would exceed your group cap")
	case errors.Is(err, app.ErrGatewayUnavailable):
		writeError(w, http.StatusBadGateway, codeGatewayUnavailable, "Payment gateway is unavailable; please retry")
	default:
		log.Printf("level=error component=api endpoint=submit_contribution member_id=%s pool_id=%s err=%v", memberID, poolID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Unable to submit contribution")
	}
}

// PoolBalanceHandler handles GET /pools/{poolID}/balance.
func (h *PoolHandlers) PoolBalanceHandler(w http.ResponseWriter, r *http.Request) {
	poolID, err := uuid.Parse(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid pool ID")
		return
	}

	balance, err := h.service.AvailableBalance(r.Context(), poolID)
	if err != nil {
		if errors.Is(err, store.ErrPoolNotFound) {
			writeError(w, http.StatusNotFound, codePoolNotFound, "Pool not found")
			return
		}
		log.Printf("level=error component=api endpoint=pool_balance pool_id=%s err=%v", poolID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Unable to compute balance")
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// ClosePoolHandler handles POST /pools/{poolID}/close. The optional `force`
// query parameter overrides the residual-funds guard for spent or abandoned
// pools.
func (h *PoolHandlers) ClosePoolHandler(w http.ResponseWriter, r *http.Request) {
	memberID, ok := GetMemberID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "Could not get member ID from context")
		return
	}

	poolID, err := uuid.Parse(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid pool ID")
		return
	}

	force := r.URL.Query().Get("force") == "true"

	pool, err := h.service.ClosePool(r.Context(), poolID, memberID, force)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPoolNotFound), errors.Is(err, app.ErrNotGroupMember):
			writeError(w, http.StatusNotFound, codePoolNotFound, "Pool not found")
		case errors.Is(err, store.ErrPoolHasFunds):
			writeError(w, http.StatusBadRequest, codePoolHasFunds, "Pool still holds funds; use force to close anyway")
		default:
			log.Printf("level=error component=api endpoint=close_pool pool_id=%s err=%v", poolID, err)
			writeError(w, http.StatusInternalServerError, codeInternal, "Unable to close pool")
		}
		return
	}

	writeJSON(w, http.StatusOK, pool)
}

// CreateCardHandler handles POST /cards.
func (h *PoolHandlers) CreateCardHandler(w http.ResponseWriter, r *http.Request) {
	memberID, ok := GetMemberID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "Could not get member ID from context")
		return
	}

	var req domain.CreateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
		return
	}
	if req.PoolID == uuid.Nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "pool_id is required")
		return
	}

	card, err := h.service.CreateCard(r.Context(), memberID, req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPoolNotFound), errors.Is(err, app.ErrNotGroupMember):
			writeError(w, http.StatusNotFound, codePoolNotFound, "Pool not found")
		case errors.Is(err, app.ErrPoolNotOpen):
			writeError(w, http.StatusBadRequest, codePoolNotOpen, "Pool is closed")
		case errors.Is(err, store.ErrCardAlreadyExists):
			writeError(w, http.StatusBadRequest, codeCardAlreadyExists, "Pool already has a card")
		case errors.Is(err, app.ErrNoFunds):
			writeError(w, http.StatusBadRequest, codeNoFunds, "Pool has no spendable funds")
		case errors.Is(err, app.ErrGatewayUnavailable):
			writeError(w, http.StatusBadGateway, codeGatewayUnavailable, "Payment gateway is unavailable; please retry")
		default:
			log.Printf("level=error component=api endpoint=create_card pool_id=%s err=%v", req.PoolID, err)
			writeError(w, http.StatusInternalServerError, codeInternal, "Unable to issue card")
		}
		return
	}

	writeJSON(w, http.StatusCreated, card)
}

// UpdateCardStatusHandler handles PUT /cards/{cardID}.
func (h *PoolHandlers) UpdateCardStatusHandler(w http.ResponseWriter, r *http.Request) {
	cardID, err := uuid.Parse(chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid card ID")
		return
	}

	var req domain.UpdateCardStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
		return
	}

	card, err := h.service.SetCardStatus(r.Context(), cardID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidCardStatus):
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "Status must be active, suspended or closed")
		case errors.Is(err, store.ErrCardNotFound):
			writeError(w, http.StatusNotFound, codeCardNotFound, "Card not found")
		case errors.Is(err, store.ErrCardClosed):
			writeError(w, http.StatusBadRequest, codeCannotReactivateClosed, "Closed cards cannot change status")
		default:
			log.Printf("level=error component=api endpoint=update_card_status card_id=%s err=%v", cardID, err)
			writeError(w, http.StatusInternalServerError, codeInternal, "Unable to update card status")
		}
		return
	}

	writeJSON(w, http.StatusOK, card)
}

// DeleteCardHandler handles DELETE /cards/{cardID}.
func (h *PoolHandlers) DeleteCardHandler(w http.ResponseWriter, r *http.Request) {
	cardID, err := uuid.Parse(chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid card ID")
		return
	}

	if err := h.service.DeleteCard(r.Context(), cardID); err != nil {
		switch {
		case errors.Is(err, store.ErrCardNotFound):
			writeError(w, http.StatusNotFound, codeCardNotFound, "Card not found")
		case errors.Is(err, store.ErrCardHasTransactions):
			writeError(w, http.StatusBadRequest, codeCardHasTransactions, "Cards with recorded transactions must be closed, not deleted")
		default:
			log.Printf("level=error component=api endpoint=delete_card card_id=%s err=%v", cardID, err)
			writeError(w, http.StatusInternalServerError, codeInternal, "Unable to delete card")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
