/**
 * @description
 * This file implements the gateway webhook receiver. Every callback is
 * authenticated with an HMAC-SHA256 signature over the raw body before the
 * payload is even decoded. Recognized events answer 200 so the gateway stops
 * retrying; only a signature failure earns a 401.
 *
 * Authorization requests are the one kind answered inline: the gateway blocks
 * a live purchase on our response, so the decision cannot ride the queue.
 * Every other kind is published to the pool.events exchange and applied by the
 * event processor, the single writer for gateway-driven state.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256: For signature verification.
 * - internal/app, internal/domain: For the decision engine and event decoding.
 * - pkg/rabbitmq: For handing events to the processor.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/potluck/pool-service/internal/app"
	"github.com/potluck/pool-service/internal/domain"
	"github.com/potluck/pool-service/pkg/rabbitmq"
)

const gatewaySignatureHeader = "x-gateway-signature"

// WebhookHandlers holds the dependencies of the gateway callback receiver.
type WebhookHandlers struct {
	service       *app.Service
	producer      rabbitmq.Publisher
	webhookSecret string
}

// NewWebhookHandlers creates a new instance of WebhookHandlers.
func NewWebhookHandlers(service *app.Service, producer rabbitmq.Publisher, webhookSecret string) *WebhookHandlers {
	return &WebhookHandlers{
		service:       service,
		producer:      producer,
		webhookSecret: webhookSecret,
	}
}

type webhookAck struct {
	Received bool   `json:"received"`
	Approved *bool  `json:"approved,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// GatewayWebhookHandler handles POST /webhooks/payments.
func (h *WebhookHandlers) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Unable to read request body")
		return
	}

	if !verifySignature(h.webhookSecret, body, r.Header.Get(gatewaySignatureHeader)) {
		log.Printf("level=warn component=webhook msg=\"signature verification failed\" remote=%s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, codeInvalidRequest, "Invalid signature")
		return
	}

	event, err := domain.DecodeGatewayEvent(body)
	if err != nil {
		// Unknown kinds and malformed payloads are acknowledged so the gateway
		// does not retry forever: neither becomes processable on redelivery.
		log.Printf("level=warn component=webhook msg=\"unprocessable event acknowledged\" err=%v", err)
		writeJSON(w, http.StatusOK, webhookAck{Received: true})
		return
	}

	// The gateway holds the purchase open on this response; answer inline.
	if auth, ok := event.(domain.AuthorizationRequestedEvent); ok {
		decision, err := h.service.AuthorizeCardPurchase(r.Context(), auth.CardRef, auth.Amount)
		if err != nil {
			log.Printf("level=error component=webhook msg=\"authorization decision failed; declining\" card_ref=%s err=%v", auth.CardRef, err)
			declined := false
			writeJSON(w, http.StatusOK, webhookAck{Received: true, Approved: &declined, Reason: "Unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Approved: &decision.Approved, Reason: decision.Reason})
		return
	}

	// All mutating kinds go through the queue; the routing key is the event
	// kind and the body is the original signed envelope.
	if err := h.producer.Publish(r.Context(), rabbitmq.PoolEventsExchange, event.Kind(), domainEnvelope(body)); err != nil {
		log.Printf("level=error component=webhook msg=\"failed to publish event\" kind=%s reference=%s err=%v", event.Kind(), event.Reference(), err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Unable to queue event")
		return
	}

	log.Printf("level=info component=webhook msg=\"event queued\" kind=%s reference=%s", event.Kind(), event.Reference())
	writeJSON(w, http.StatusOK, webhookAck{Received: true})
}

// domainEnvelope keeps the original raw envelope bytes intact through the
// producer's JSON marshalling.
func domainEnvelope(body []byte) json.RawMessage {
	return json.RawMessage(body)
}

// verifySignature checks an HMAC-SHA256 signature over the raw body. Both hex
// and base64 encodings are accepted; comparison is constant-time.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || strings.TrimSpace(signature) == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	provided := strings.TrimSpace(signature)
	if decoded, err := hex.DecodeString(provided); err == nil {
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil {
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}
