package webpush

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"dhikr/internal/metrics"
	"dhikr/internal/vapid"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultTTL            = time.Hour

	errorBodyLimit = 512
)

// DispatcherOptions configures a Dispatcher. Zero values select defaults.
type DispatcherOptions struct {
	Client  *http.Client
	Timeout time.Duration
	TTL     time.Duration
	Urgency string
	Topic   string
}

// Dispatcher posts encrypted pushes to push services. It never retries.
type Dispatcher struct {
	client  *http.Client
	ttl     time.Duration
	urgency string
	topic   string
	now     func() time.Time
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Dispatcher{
		client:  client,
		ttl:     ttl,
		urgency: opts.Urgency,
		topic:   opts.Topic,
		now:     time.Now,
	}
}

// Deliver posts one encrypted push and classifies the response.
func (d *Dispatcher) Deliver(ctx context.Context, sub Subscription, push EncryptedPush, auth vapid.AuthHeaders) Outcome {
	o := d.deliver(ctx, sub, push, auth)
	metrics.Deliveries.WithLabelValues(o.Kind.String()).Inc()
	return o
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, push EncryptedPush, auth vapid.AuthHeaders) Outcome {
	log := logrus.WithField("origin", Origin(sub.Endpoint))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(push.Body))
	if err != nil {
		return Outcome{Kind: TransientFailure, Err: err}
	}
	for k, v := range push.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", auth.Authorization)
	if auth.CryptoKey != "" {
		req.Header.Set("Crypto-Key", auth.CryptoKey)
	}
	req.Header.Set("TTL", strconv.Itoa(int(d.ttl/time.Second)))
	if d.urgency != "" {
		req.Header.Set("Urgency", d.urgency)
	}
	if d.topic != "" {
		req.Header.Set("Topic", d.topic)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("Push request failed")
		return Outcome{Kind: TransientFailure, Err: err}
	}
	defer resp.Body.Close()

	o := Classify(resp.StatusCode, resp.Header, d.now())
	if o.Kind != Delivered {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		log.WithFields(logrus.Fields{
			"status":  resp.StatusCode,
			"outcome": o.Kind.String(),
			"body":    string(body),
		}).Debug("Push service rejected notification")
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return o
}

// BatchItem is one prepared delivery.
type BatchItem struct {
	ID           string
	Subscription Subscription
	Push         EncryptedPush
	Auth         vapid.AuthHeaders
}

// BatchResult pairs an item id with its outcome.
type BatchResult struct {
	ID      string
	Outcome Outcome
}

// BatchReport accumulates the outcomes of DeliverBatch.
type BatchReport struct {
	Delivered              int
	Failed                 int
	NotAttempted           int
	ExpiredSubscriptionIDs []string
	Results                []BatchResult
}

func (r *BatchReport) add(id string, o Outcome) {
	r.Results = append(r.Results, BatchResult{ID: id, Outcome: o})
	if o.Kind == Delivered {
		r.Delivered++
		return
	}
	r.Failed++
	if o.Kind == Expired {
		r.ExpiredSubscriptionIDs = append(r.ExpiredSubscriptionIDs, id)
	}
}

// DeliverBatch delivers items in groups of limit, concurrently within a
// group, pausing delay between groups. Cancelling ctx stops new groups from
// starting; requests already in flight run to completion or time out.
func (d *Dispatcher) DeliverBatch(ctx context.Context, items []BatchItem, limit int, delay time.Duration) BatchReport {
	if limit < 1 {
		limit = 1
	}
	report := BatchReport{Results: make([]BatchResult, 0, len(items))}
	sendCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(items); start += limit {
		if (start > 0 && !pause(ctx, delay)) || ctx.Err() != nil {
			report.NotAttempted = len(items) - start
			logrus.WithField("remaining", report.NotAttempted).Warn("Batch delivery interrupted")
			break
		}

		group := items[start:min(start+limit, len(items))]
		outcomes := make([]Outcome, len(group))
		var wg sync.WaitGroup
		for i, item := range group {
			wg.Go(func() {
				outcomes[i] = d.Deliver(sendCtx, item.Subscription, item.Push, item.Auth)
			})
		}
		wg.Wait()

		for i, o := range outcomes {
			report.add(group[i].ID, o)
		}
	}
	return report
}

// pause waits for delay and reports false if ctx ended first.
func pause(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
