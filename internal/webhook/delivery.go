package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Webhook Delivery Pipeline
//
// For each admitted new loop on a webhook-enabled tenant: sign the JSON
// payload with HMAC-SHA256 over the tenant's webhook secret, POST with a
// short per-attempt timeout, retry with exponential backoff plus jitter,
// and after the attempt budget move the event to the tenant's dead-letter
// ring (and the optional audit store). Delivery is at-least-once;
// consumers dedupe on the cycle canonical id in the payload.
//
// A delivery failure never propagates to the submit that produced the
// loop: the worst outcome is a dead letter and a log line.

// signedPayload is the wire body: the event payload plus the signature
// field. The signature (and the X-Signature header) is the hex HMAC-SHA256
// of the payload encoded WITHOUT the signature field.
type signedPayload struct {
	models.WebhookPayload
	Signature string `json:"signature"`
}

// Delivery is one queued webhook POST.
type Delivery struct {
	ID       string
	TenantID models.TenantID
	URL      string
	secret   string
	Payload  models.WebhookPayload

	quota *tenant.Quota
	usage *tenant.Usage
}

// DeadLetter records a delivery that exhausted its attempts.
type DeadLetter struct {
	Delivery  Delivery        `json:"-"`
	ID        string          `json:"id"`
	TenantID  models.TenantID `json:"tenantId"`
	URL       string          `json:"url"`
	CycleID   string          `json:"cycleId"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError"`
	FailedAt  time.Time       `json:"failedAt"`
}

// AuditSink persists dead letters durably. Optional; nil is fine.
type AuditSink interface {
	SaveDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Config bounds the pipeline.
type Config struct {
	Workers     int           // default 4
	QueueDepth  int           // default 1024
	Timeout     time.Duration // per-attempt; default 5s
	MaxAttempts int           // default 5
	BaseBackoff time.Duration // default 500ms
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
}

const deadLetterRing = 1000

// Dispatcher runs the worker pool.
type Dispatcher struct {
	cfg    Config
	queue  chan Delivery
	client *http.Client
	sink   AuditSink

	mu   sync.Mutex
	dead map[models.TenantID][]DeadLetter

	wg sync.WaitGroup
}

func NewDispatcher(cfg Config, sink AuditSink) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:    cfg,
		queue:  make(chan Delivery, cfg.QueueDepth),
		client: &http.Client{Timeout: cfg.Timeout},
		sink:   sink,
		dead:   make(map[models.TenantID][]DeadLetter),
	}
}

// Start launches the workers. They drain until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case del := <-d.queue:
					d.deliver(ctx, del)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Send enqueues a trade_discovered event for a tenant. A tenant without a
// webhook URL is a no-op. A full queue dead-letters immediately rather
// than blocking the event loop that called us.
func (d *Dispatcher) Send(t *tenant.Tenant, loop models.TradeLoop, score models.ScoreReport) {
	url := t.WebhookURL()
	if url == "" {
		return
	}
	del := Delivery{
		ID:       uuid.NewString(),
		TenantID: t.ID,
		URL:      url,
		secret:   t.WebhookSecret,
		Payload: models.WebhookPayload{
			Event:     "trade_discovered",
			TenantID:  t.ID,
			CycleID:   loop.ID,
			Cycle:     loop,
			Score:     score,
			Timestamp: time.Now().UTC(),
		},
		quota: t.Quota,
		usage: &t.Usage,
	}
	select {
	case d.queue <- del:
	default:
		log.Printf("[Webhook] queue full, dead-lettering delivery %s for tenant %s", del.ID, del.TenantID)
		d.bury(context.Background(), del, 0, "delivery queue full")
	}
}

// deliver runs the attempt/backoff loop for one delivery.
func (d *Dispatcher) deliver(ctx context.Context, del Delivery) {
	body, sig, err := Sign(del.Payload, del.secret)
	if err != nil {
		d.bury(ctx, del, 0, "encode payload: "+err.Error())
		return
	}

	var lastErr string
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		// Respect the tenant's webhook rate limit; one short wait, then
		// the attempt is burned.
		if del.quota != nil {
			if ok, retry := del.quota.Allow(tenant.DimWebhook, 1); !ok {
				wait := retry
				if wait > 30*time.Second {
					wait = 30 * time.Second
				}
				sleepCtx(ctx, wait)
				if ok2, _ := del.quota.Allow(tenant.DimWebhook, 1); !ok2 {
					lastErr = "tenant webhook rate limit"
					continue
				}
			}
		}

		err := d.post(ctx, del.URL, body, sig)
		if err == nil {
			if del.usage != nil {
				del.usage.WebhooksDelivered.Add(1)
			}
			return
		}
		lastErr = err.Error()
		log.Printf("[Webhook] attempt %d/%d failed for %s (tenant %s): %v",
			attempt, d.cfg.MaxAttempts, del.ID, del.TenantID, err)

		if attempt < d.cfg.MaxAttempts {
			sleepCtx(ctx, backoff(d.cfg.BaseBackoff, attempt))
		}
	}
	d.bury(ctx, del, d.cfg.MaxAttempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, sig string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sig)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }

// bury records a dead letter in the tenant ring and the audit sink.
func (d *Dispatcher) bury(ctx context.Context, del Delivery, attempts int, lastErr string) {
	dl := DeadLetter{
		Delivery:  del,
		ID:        del.ID,
		TenantID:  del.TenantID,
		URL:       del.URL,
		CycleID:   del.Payload.CycleID,
		Attempts:  attempts,
		LastError: lastErr,
		FailedAt:  time.Now().UTC(),
	}
	d.mu.Lock()
	ring := append(d.dead[del.TenantID], dl)
	if len(ring) > deadLetterRing {
		ring = ring[len(ring)-deadLetterRing:]
	}
	d.dead[del.TenantID] = ring
	d.mu.Unlock()

	if del.usage != nil {
		del.usage.WebhooksDead.Add(1)
	}
	if d.sink != nil {
		if err := d.sink.SaveDeadLetter(ctx, dl); err != nil {
			log.Printf("[Webhook] audit sink write failed for %s: %v", dl.ID, err)
		}
	}
}

// DeadLetters returns a copy of a tenant's dead-letter ring.
func (d *Dispatcher) DeadLetters(id models.TenantID) []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.dead[id]))
	copy(out, d.dead[id])
	return out
}

// Sign encodes the payload and computes its HMAC-SHA256 signature. The
// returned body already carries the signature field; the signature covers
// the encoding without it.
func Sign(p models.WebhookPayload, secret string) ([]byte, string, error) {
	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(unsigned)
	sig := hex.EncodeToString(mac.Sum(nil))

	body, err := json.Marshal(signedPayload{WebhookPayload: p, Signature: sig})
	if err != nil {
		return nil, "", err
	}
	return body, sig, nil
}

// VerifySignature checks a received signature against the unsigned
// payload encoding. Exposed for consumers and tests.
func VerifySignature(p models.WebhookPayload, secret, sig string) bool {
	_, want, err := Sign(p, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(sig))
}

// backoff returns base·2^(attempt-1) with up to 50% random jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
