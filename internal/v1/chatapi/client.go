// Package chatapi is the HTTP client for the Chat collaborator. The gateway
// forwards send_message frames here; the collaborator persists the message
// and publishes the resulting event back onto the bus.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/backoff"
	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
	"github.com/concord-im/concord/internal/v1/middleware"
	"github.com/concord-im/concord/internal/v1/types"
)

const requestTimeout = 10 * time.Second

// Client talks to the Chat collaborator. Implements types.ChatService.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// New builds a Chat client against baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "chat-collaborator",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn(context.Background(), "Chat collaborator circuit breaker state changed",
					zap.String("from", from.String()), zap.String("to", to.String()))
				var stateVal float64
				switch to {
				case gobreaker.StateClosed:
					stateVal = 0
				case gobreaker.StateOpen:
					stateVal = 1
				case gobreaker.StateHalfOpen:
					stateVal = 2
				}
				metrics.CircuitBreakerState.WithLabelValues("chat").Set(stateVal)
			},
		}),
	}
}

type sendMessageRequest struct {
	ChannelID types.ChannelID `json:"channel_id"`
	UserID    types.UserID    `json:"user_id"`
	Content   string          `json:"content"`
	Nonce     string          `json:"nonce,omitempty"`
}

// SendMessage posts the message to the collaborator. The nonce doubles as
// the idempotency key, so retries after ambiguous failures are safe.
func (c *Client) SendMessage(ctx context.Context, channelID types.ChannelID, userID types.UserID, content, nonce string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		Nonce:     nonce,
	})
	if err != nil {
		return errs.Internal(err)
	}

	return backoff.Retry(ctx, backoff.Collaborator, func() error {
		return c.post(ctx, "/api/v1/messages", body, nonce)
	})
}

func (c *Client) post(ctx context.Context, path string, body []byte, idempotencyKey string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, errs.Internal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
		if cid, ok := ctx.Value(logging.CorrelationIDKey).(string); ok {
			req.Header.Set(middleware.HeaderXCorrelationID, cid)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, errs.Upstream("chat_unreachable", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, nil
		}

		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errs.RateLimited(1)
		case resp.StatusCode >= 500:
			return nil, errs.Upstream("chat_error",
				fmt.Errorf("chat responded %d: %s", resp.StatusCode, payload))
		case resp.StatusCode == http.StatusNotFound:
			return nil, errs.NotFound("channel_not_found", "channel does not exist")
		case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
			return nil, errs.Auth("chat_rejected", "chat collaborator rejected the request")
		default:
			return nil, errs.Validation("chat_rejected",
				fmt.Sprintf("chat responded %d", resp.StatusCode))
		}
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		metrics.CircuitBreakerFailures.WithLabelValues("chat").Inc()
		return errs.Upstream("chat_breaker_open", err)
	}
	return err
}

// Ping checks collaborator reachability for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errs.Internal(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Upstream("chat_unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Upstream("chat_unhealthy", fmt.Errorf("chat health responded %d", resp.StatusCode))
	}
	return nil
}
