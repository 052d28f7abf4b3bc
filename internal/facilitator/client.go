// Package facilitator talks to the external payment facilitator: outbound
// verification submissions and inbound signed-callback validation.
package facilitator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/resilience"
)

// SubmitTimeout bounds one facilitator HTTP call.
const SubmitTimeout = 10 * time.Second

// Verification is the packet submitted after a confirmed payment.
type Verification struct {
	RequestID string `json:"requestId"`
	TxHash    string `json:"txHash"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Payer     string `json:"payer"`
}

// Client submits verifications and validates inbound callbacks.
type Client struct {
	baseURL string
	secret  []byte
	http    *http.Client
	ledger  *ledger.Ledger
	log     *zap.Logger
}

// New creates a Client. An empty secret disables callback verification:
// every inbound callback is rejected.
func New(baseURL, secret string, led *ledger.Ledger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		http:    &http.Client{Timeout: SubmitTimeout},
		ledger:  led,
		log:     zap.L().With(zap.String("component", "facilitator")),
	}
}

// Submit POSTs the verification packet. A ledger entry records the outcome
// either way; the returned error is for the caller to log, not to fail an
// already-confirmed payment on.
func (c *Client) Submit(ctx context.Context, v Verification) error {
	if c.baseURL == "" {
		return eris.New("facilitator: base url not configured")
	}

	body, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "facilitator: marshal verification")
	}

	err = resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Second,
		OnRetry:        resilience.RetryLogger("facilitator", "submit"),
	}, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "facilitator: build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 300 {
			err := eris.Errorf("facilitator: verify returned %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		return nil
	})

	if err != nil {
		c.ledger.MustAppend(ctx, ledger.Entry{
			Category:  model.LedgerCategoryPayment,
			Event:     model.LedgerEventFacilitatorSubmitFailed,
			RequestID: v.RequestID,
			TxHash:    v.TxHash,
			Metadata:  map[string]any{"error": err.Error()},
		})
		return eris.Wrap(err, "facilitator: submit")
	}

	c.ledger.MustAppend(ctx, ledger.Entry{
		Category:  model.LedgerCategoryPayment,
		Event:     model.LedgerEventFacilitatorSubmitted,
		RequestID: v.RequestID,
		TxHash:    v.TxHash,
	})
	return nil
}

// VerifyCallback reports whether signature is the hex HMAC-SHA-256 of body
// under the shared secret. The comparison is constant-time; a missing
// secret always fails.
func (c *Client) VerifyCallback(signature string, body []byte) bool {
	if len(c.secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

// Sign computes the hex HMAC-SHA-256 of body. Exposed for tests and for
// local facilitator simulation.
func (c *Client) Sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	return fmt.Sprintf("%x", mac.Sum(nil))
}
