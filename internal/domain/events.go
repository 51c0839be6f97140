/**
 * @description
 * This file defines the closed set of payment-gateway callback events. The
 * gateway delivers loosely-typed JSON webhooks; the boundary decodes them into
 * exactly one of the tagged variants below and rejects anything outside the
 * known set, so nothing deeper in the system handles untyped maps.
 *
 * @dependencies
 * - encoding/json: For payload decoding.
 * - github.com/google/uuid: For correlation identifiers.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Gateway event kinds. These double as the routing keys on the pool.events
// exchange for the kinds that mutate state.
const (
	EventContributionSettled    = "contribution.settled"
	EventContributionFailed     = "contribution.failed"
	EventAuthorizationRequested = "authorization.requested"
	EventPurchaseSettled        = "purchase.settled"
	EventCardStatusPushed       = "card.status_pushed"
	EventRefundIssued           = "refund.issued"
)

// ErrUnknownEventType is returned when a webhook carries an event kind outside
// the known set.
var ErrUnknownEventType = errors.New("unknown gateway event type")

// WebhookEnvelope is the outer shape of every gateway callback:
// { "type": <event-kind>, "data": { "object": { ...provider fields... } } }.
type WebhookEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// GatewayEvent is implemented by every decoded callback variant. Reference is
// the gateway-supplied idempotency key used to absorb duplicate delivery.
type GatewayEvent interface {
	Kind() string
	Reference() string
}

// ContributionSettledEvent reports that the gateway collected the funds for a
// contribution.
type ContributionSettledEvent struct {
	Ref            string    `json:"reference"`
	ContributionID uuid.UUID `json:"contribution_id"`
}

func (e ContributionSettledEvent) Kind() string      { return EventContributionSettled }
func (e ContributionSettledEvent) Reference() string { return e.Ref }

// ContributionFailedEvent reports that the gateway could not collect the funds
// for a contribution.
type ContributionFailedEvent struct {
	Ref            string    `json:"reference"`
	ContributionID uuid.UUID `json:"contribution_id"`
	Reason         string    `json:"reason"`
}

func (e ContributionFailedEvent) Kind() string      { return EventContributionFailed }
func (e ContributionFailedEvent) Reference() string { return e.Ref }

// AuthorizationRequestedEvent is a real-time purchase attempt on a card. It is
// answered synchronously and never persisted as a Transaction.
type AuthorizationRequestedEvent struct {
	Ref     string `json:"reference"`
	CardRef string `json:"card_ref"`
	Amount  int64  `json:"amount"`
}

func (e AuthorizationRequestedEvent) Kind() string      { return EventAuthorizationRequested }
func (e AuthorizationRequestedEvent) Reference() string { return e.Ref }

// PurchaseSettledEvent finalizes a card charge. Amount is signed as reported
// by the gateway: a negative amount is a reversal recorded as a refund.
type PurchaseSettledEvent struct {
	Ref              string `json:"reference"`
	CardRef          string `json:"card_ref"`
	Amount           int64  `json:"amount"`
	MerchantName     string `json:"merchant_name"`
	MerchantCategory string `json:"merchant_category"`
}

func (e PurchaseSettledEvent) Kind() string      { return EventPurchaseSettled }
func (e PurchaseSettledEvent) Reference() string { return e.Ref }

// CardStatusPushedEvent mirrors a card status change originated on the gateway
// side.
type CardStatusPushedEvent struct {
	Ref     string `json:"reference"`
	CardRef string `json:"card_ref"`
	Status  string `json:"status"`
}

func (e CardStatusPushedEvent) Kind() string      { return EventCardStatusPushed }
func (e CardStatusPushedEvent) Reference() string { return e.Ref }

// RefundIssuedEvent reports a refund issued against a previously collected
// contribution; it is recorded as a refund transaction on the pool.
type RefundIssuedEvent struct {
	Ref            string    `json:"reference"`
	ContributionID uuid.UUID `json:"contribution_id"`
	Amount         int64     `json:"amount"`
}

func (e RefundIssuedEvent) Kind() string      { return EventRefundIssued }
func (e RefundIssuedEvent) Reference() string { return e.Ref }

// DecodeGatewayEvent parses a raw webhook body into one of the known event
// variants. It fails with ErrUnknownEventType for unrecognized kinds and with
// a descriptive error when a known kind is missing its reference.
func DecodeGatewayEvent(body []byte) (GatewayEvent, error) {
	var envelope WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}

	kind := strings.TrimSpace(envelope.Type)
	object := envelope.Data.Object
	if len(object) == 0 {
		object = []byte("{}")
	}

	var (
		event GatewayEvent
		err   error
	)
	switch kind {
	case EventContributionSettled:
		var e ContributionSettledEvent
		err = json.Unmarshal(object, &e)
		event = e
	case EventContributionFailed:
		var e ContributionFailedEvent
		err = json.Unmarshal(object, &e)
		event = e
	case EventAuthorizationRequested:
		var e AuthorizationRequestedEvent
		err = json.Unmarshal(object, &e)
		event = e
	case EventPurchaseSettled:
		var e PurchaseSettledEvent
		err = json.Unmarshal(object, &e)
		event = e
	case EventCardStatusPushed:
		var e CardStatusPushedEvent
		err = json.Unmarshal(object, &e)
		event = e
	case EventRefundIssued:
		var e RefundIssuedEvent
		err = json.Unmarshal(object, &e)
		event = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if strings.TrimSpace(event.Reference()) == "" {
		return nil, fmt.Errorf("%s event missing gateway reference", kind)
	}
	return event, nil
}
