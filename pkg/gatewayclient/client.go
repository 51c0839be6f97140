/**
 * @description
 * This package provides a client for the external Payment Gateway. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * gateway's endpoints, handling request body construction, and parsing
 * responses. The client timeout is bounded: a gateway call that does not
 * respond in time surfaces an error to the caller and leaves local state
 * untouched (contributions stay pending until an explicit callback).
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client is a client for the Payment Gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Payment Gateway API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CollectionRequest is the payload asking the gateway to collect funds for a
// contribution. The contribution ID rides along as the correlation id echoed
// back in settlement callbacks.
type CollectionRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency       string `json:"currency"`
			Amount         int64  `json:"amount"`
			Method         string `json:"method"`
			ContributionID string `json:"contribution_id"`
		} `json:"attributes"`
	} `json:"data"`
}

// CollectionResponse is the gateway's acknowledgment of a collection request.
type CollectionResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// CardIssueRequest is the payload asking the gateway to issue a virtual card
// with a fixed spending limit.
type CardIssueRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency      string `json:"currency"`
			Network       string `json:"network"`
			SpendingLimit int64  `json:"spending_limit"`
			PoolID        string `json:"pool_id"`
		} `json:"attributes"`
	} `json:"data"`
}

// CardResponse is the gateway's representation of a virtual card.
type CardResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// ErrorResponse represents an error from the gateway API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("gateway api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown gateway api error"
}

// CollectContribution asks the gateway to collect funds for a contribution and
// returns the gateway's collection reference.
func (c *Client) CollectContribution(ctx context.Context, contributionID uuid.UUID, currency string, amount int64, method string) (*CollectionResponse, error) {
	reqPayload := CollectionRequest{}
	reqPayload.Data.Type = "Collection"
	reqPayload.Data.Attributes.Currency = currency
	reqPayload.Data.Attributes.Amount = amount
	reqPayload.Data.Attributes.Method = method
	reqPayload.Data.Attributes.ContributionID = contributionID.String()

	var resp CollectionResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections", "collect", reqPayload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IssueCard asks the gateway to issue the pool's virtual card with the given
// spending limit snapshot.
func (c *Client) IssueCard(ctx context.Context, poolID uuid.UUID, currency, network string, spendingLimit int64) (*CardResponse, error) {
	reqPayload := CardIssueRequest{}
	reqPayload.Data.Type = "VirtualCard"
	reqPayload.Data.Attributes.Currency = currency
	reqPayload.Data.Attributes.Network = network
	reqPayload.Data.Attributes.SpendingLimit = spendingLimit
	reqPayload.Data.Attributes.PoolID = poolID.String()

	var resp CardResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/cards", "issue_card", reqPayload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateCardStatus mirrors a local card status change to the gateway.
func (c *Client) UpdateCardStatus(ctx context.Context, gatewayCardRef, status string) (*CardResponse, error) {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "VirtualCard",
			"attributes": map[string]interface{}{
				"status": status,
			},
		},
	}

	var resp CardResponse
	if err := c.do(ctx, http.MethodPatch, "/api/v1/cards/"+gatewayCardRef, "update_card_status", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do executes an authenticated request against the gateway and decodes the
// response into out.
func (c *Client) do(ctx context.Context, method, path, op string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=gateway_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
