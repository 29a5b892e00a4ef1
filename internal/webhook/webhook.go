// Package webhook delivers engine events to subscriber URLs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Shivanand-hulikatti/registration-engine/internal/config"
	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Subscribers lists the URLs interested in an event type.
type Subscribers interface {
	ListWebhookSubscriptions(ctx context.Context, eventType string) ([]model.WebhookSubscription, error)
}

// Envelope is the JSON body of every delivery.
type Envelope struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Dispatcher posts envelopes to subscribers, retrying each delivery on its own.
type Dispatcher struct {
	subs        Subscribers
	client      *http.Client
	secret      string
	maxAttempts uint
	newBackOff  func() backoff.BackOff
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(subs Subscribers, cfg config.WebhookConfig) *Dispatcher {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Dispatcher{
		subs:        subs,
		client:      &http.Client{Timeout: cfg.Timeout},
		secret:      cfg.Secret,
		maxAttempts: attempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// WithBackOff replaces the retry schedule.
func (d *Dispatcher) WithBackOff(fn func() backoff.BackOff) *Dispatcher {
	d.newBackOff = fn
	return d
}

// Trigger delivers eventType to every interested subscriber. Failures are
// logged and joined into the returned error; one failing subscriber does
// not stop delivery to the others.
func (d *Dispatcher) Trigger(ctx context.Context, eventType, eventID string, payload any) error {
	subs, err := d.subs.ListWebhookSubscriptions(ctx, eventType)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(Envelope{
		Type:       eventType,
		EventID:    eventID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		if err := d.deliver(ctx, sub, body); err != nil {
			log.Printf("webhook: %s to %s failed: %v", eventType, sub.URL, err)
			errs = append(errs, fmt.Errorf("%s: %w", sub.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, sub model.WebhookSubscription, body []byte) error {
	secret := sub.Secret
	if secret == "" {
		secret = d.secret
	}
	signature := Sign(secret, body)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if secret != "" {
			req.Header.Set(SignatureHeader, signature)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return struct{}{}, backoff.Permanent(fmt.Errorf("subscriber rejected delivery: %s", resp.Status))
		default:
			return struct{}{}, fmt.Errorf("subscriber unavailable: %s", resp.Status)
		}
	},
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(d.maxAttempts),
	)
	return err
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
