package webpush

import (
	"context"
	"time"

	"dhikr/internal/vapid"
)

// Client ties the encryptor, the VAPID signer and the dispatcher together.
type Client struct {
	Encryptor  *Encryptor
	Signer     *vapid.Signer
	Dispatcher *Dispatcher
}

// Prepare encrypts payload for sub and signs its Authorization header. A
// malformed endpoint or key yields ErrInvalidSubscriptionKey.
func (c *Client) Prepare(id string, sub Subscription, payload []byte, now time.Time) (BatchItem, error) {
	if err := sub.Validate(); err != nil {
		return BatchItem{}, err
	}
	push, err := c.Encryptor.Encrypt(payload, sub)
	if err != nil {
		return BatchItem{}, err
	}
	auth, err := c.Signer.Sign(sub.Endpoint, now)
	if err != nil {
		return BatchItem{}, err
	}
	return BatchItem{ID: id, Subscription: sub, Push: push, Auth: auth}, nil
}

// Send prepares and delivers a single notification.
func (c *Client) Send(ctx context.Context, sub Subscription, payload []byte, now time.Time) (Outcome, error) {
	item, err := c.Prepare("", sub, payload, now)
	if err != nil {
		return Outcome{}, err
	}
	return c.Dispatcher.Deliver(ctx, item.Subscription, item.Push, item.Auth), nil
}

// DeliverBatch forwards to the dispatcher.
func (c *Client) DeliverBatch(ctx context.Context, items []BatchItem, limit int, delay time.Duration) BatchReport {
	return c.Dispatcher.DeliverBatch(ctx, items, limit, delay)
}
