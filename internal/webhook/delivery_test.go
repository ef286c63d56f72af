package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

func webhookTenant(t *testing.T, url string) *tenant.Tenant {
	t.Helper()
	r := tenant.NewRegistry()
	tn, _, err := r.Create("hooked", "", models.TenantSettings{WebhookURL: url})
	if err != nil {
		t.Fatalf("Create tenant: %v", err)
	}
	return tn
}

func sampleLoop() (models.TradeLoop, models.ScoreReport) {
	return models.TradeLoop{
			ID: "cycle-1",
			Steps: []models.TradeStep{
				{From: "alice", To: "bob", NFTs: []models.AssetID{"x"}},
				{From: "bob", To: "alice", NFTs: []models.AssetID{"y"}},
			},
			TotalParticipants: 2,
			Efficiency:        0.96,
			QualityScore:      0.8,
		}, models.ScoreReport{
			QualityScore: 0.8,
			Efficiency:   0.96,
		}
}

func TestDeliver_SignedAndVerifiable(t *testing.T) {
	type received struct {
		header string
		body   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Get("X-Signature"), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tn := webhookTenant(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(Config{Workers: 1, BaseBackoff: time.Millisecond}, nil)
	d.Start(ctx)

	loop, score := sampleLoop()
	d.Send(tn, loop, score)

	var rec received
	select {
	case rec = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("Webhook was never delivered")
	}

	var body signedPayload
	if err := json.Unmarshal(rec.body, &body); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if body.Event != "trade_discovered" || body.CycleID != "cycle-1" || body.TenantID != tn.ID {
		t.Errorf("Unexpected payload: %+v", body.WebhookPayload)
	}
	if body.Signature == "" || rec.header != body.Signature {
		t.Errorf("Header and body signatures must match: header=%q body=%q", rec.header, body.Signature)
	}
	if !VerifySignature(body.WebhookPayload, tn.WebhookSecret, body.Signature) {
		t.Error("Signature must verify against the tenant webhook secret")
	}
	if VerifySignature(body.WebhookPayload, "wrong-secret", body.Signature) {
		t.Error("Signature must not verify with the wrong secret")
	}

	waitFor(t, func() bool { return tn.Usage.WebhooksDelivered.Load() == 1 })
}

func TestDeliver_RetriesThenDeadLetters(t *testing.T) {
	hits := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tn := webhookTenant(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(Config{Workers: 1, MaxAttempts: 3, BaseBackoff: time.Millisecond}, nil)
	d.Start(ctx)

	loop, score := sampleLoop()
	d.Send(tn, loop, score)

	for i := 0; i < 3; i++ {
		select {
		case <-hits:
		case <-time.After(5 * time.Second):
			t.Fatalf("Expected 3 delivery attempts, saw %d", i)
		}
	}

	waitFor(t, func() bool { return len(d.DeadLetters(tn.ID)) == 1 })
	dl := d.DeadLetters(tn.ID)[0]
	if dl.CycleID != "cycle-1" || dl.Attempts != 3 || dl.LastError == "" {
		t.Errorf("Unexpected dead letter: %+v", dl)
	}
	if tn.Usage.WebhooksDead.Load() != 1 {
		t.Errorf("Dead counter: expected 1, got %d", tn.Usage.WebhooksDead.Load())
	}
}

func TestSend_NoURLIsNoop(t *testing.T) {
	tn := webhookTenant(t, "")
	d := NewDispatcher(Config{}, nil)

	loop, score := sampleLoop()
	d.Send(tn, loop, score)

	if len(d.queue) != 0 {
		t.Error("Tenant without a webhook URL must not enqueue deliveries")
	}
}

func TestSign_CoversUnsignedEncoding(t *testing.T) {
	loop, score := sampleLoop()
	p := models.WebhookPayload{
		Event:     "trade_discovered",
		TenantID:  "t1",
		CycleID:   loop.ID,
		Cycle:     loop,
		Score:     score,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}

	body, sig, err := Sign(p, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifySignature(p, "secret", sig) {
		t.Error("Signature must round-trip")
	}

	// The signed body decodes back to the same payload plus the signature.
	var decoded signedPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Signature != sig {
		t.Errorf("Body signature field mismatch: %q != %q", decoded.Signature, sig)
	}
	if !VerifySignature(decoded.WebhookPayload, "secret", decoded.Signature) {
		t.Error("Decoded payload must verify, signature covers the unsigned encoding")
	}
}

// waitFor polls a condition with a deadline; webhook delivery is async.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}
