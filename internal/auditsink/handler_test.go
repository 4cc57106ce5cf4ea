package auditsink

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/park285/coin-bridge/internal/wallet"
	"github.com/park285/coin-bridge/pkg/walletdto"
)

var testSecret = []byte("sink-secret")

func newTestSink(t *testing.T) (*httptest.Server, Store) {
	t.Helper()
	store := NewMemoryStore()
	srv := httptest.NewServer(New(store, testSecret, NewFeed(store)))
	t.Cleanup(srv.Close)
	return srv, store
}

func payload(txn string, delta int64) walletdto.UpdatePayload {
	return walletdto.UpdatePayload{
		TxnID: txn, UserID: "u1", Delta: delta, Balance: delta,
		Actor: "admin", Source: walletdto.SourceDiscord,
		OccurredAt: "2024-01-01T00:00:00Z",
	}
}

func post(t *testing.T, srv *httptest.Server, p walletdto.UpdatePayload, key, sig string) (*http.Response, walletdto.IngestResponse) {
	t.Helper()
	body, err := json.Marshal(walletdto.IngestRequest{Payload: &p})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/log/transactions", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if sig != "" {
		req.Header.Set("X-Signature", sig)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out walletdto.IngestResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func sign(t *testing.T, p walletdto.UpdatePayload) string {
	t.Helper()
	sig, err := wallet.SignPayload(&p, testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestIngestAndDedup(t *testing.T) {
	srv, store := newTestSink(t)
	p := payload("A", 10)
	sig := sign(t, p)

	resp, out := post(t, srv, p, "n1-A", sig)
	if resp.StatusCode != http.StatusOK || !out.Accepted || out.Deduped {
		t.Fatalf("first delivery: status=%d out=%+v", resp.StatusCode, out)
	}

	// Same key, same payload: acknowledged as deduped, still one row.
	resp, out = post(t, srv, p, "n1-A", sig)
	if resp.StatusCode != http.StatusOK || !out.Accepted || !out.Deduped {
		t.Fatalf("replay: status=%d out=%+v", resp.StatusCode, out)
	}

	rows, err := store.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 || rows[0].TxnID != "A" || rows[0].Delta != 10 {
		t.Fatalf("expected exactly one audit row, got %+v", rows)
	}
}

func TestIngestKeyConflict(t *testing.T) {
	srv, _ := newTestSink(t)
	p1 := payload("A", 10)
	if resp, _ := post(t, srv, p1, "n1-A", sign(t, p1)); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed delivery failed: %d", resp.StatusCode)
	}

	// Same key, different payload hash: rejected with 409.
	p2 := payload("B", 20)
	resp, _ := post(t, srv, p2, "n1-A", sign(t, p2))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestIngestRejectsMissingKeyAndBadSignature(t *testing.T) {
	srv, store := newTestSink(t)
	p := payload("A", 10)
	sig := sign(t, p)

	// Missing idempotency key.
	resp, _ := post(t, srv, p, "", sig)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing key: expected 400, got %d", resp.StatusCode)
	}

	// Missing signature.
	resp, _ = post(t, srv, p, "n1-A", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing signature: expected 401, got %d", resp.StatusCode)
	}

	// Tampered payload under a stale signature.
	tampered := p
	tampered.Delta = 999
	resp, _ = post(t, srv, tampered, "n1-A", sig)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered payload: expected 401, got %d", resp.StatusCode)
	}

	// Signature of a different length must be rejected, not panic.
	resp, _ = post(t, srv, p, "n1-A", "abc123")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("short signature: expected 401, got %d", resp.StatusCode)
	}

	rows, err := store.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rejected deliveries must leave the store unchanged, got %+v", rows)
	}
}

func TestIngestAcceptsBodySignatureAndKey(t *testing.T) {
	srv, _ := newTestSink(t)
	p := payload("A", 10)
	body, _ := json.Marshal(walletdto.IngestRequest{
		Payload:        &p,
		Signature:      sign(t, p),
		IdempotencyKey: "n1-A",
	})
	resp, err := http.Post(srv.URL+"/log/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("body-carried credentials: expected 200, got %d", resp.StatusCode)
	}
}

func TestQueryFiltersAndLimits(t *testing.T) {
	srv, store := newTestSink(t)
	ctx := context.Background()

	for i, u := range []string{"u1", "u2", "u1"} {
		row := Row{TxnID: string(rune('A' + i)), UserID: u, Delta: int64(i + 1), Actor: "admin", Source: "discord"}
		if _, err := store.Ingest(ctx, "k-"+row.TxnID, "h"+row.TxnID, row); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	resp, err := http.Get(srv.URL + "/log/transactions?userId=u1&limit=10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var rows []walletdto.AuditRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for u1, got %+v", rows)
	}
	for _, r := range rows {
		if r.UserID != "u1" {
			t.Fatalf("filter leaked row: %+v", r)
		}
	}

	// Invalid limit is a 400.
	resp2, err := http.Get(srv.URL + "/log/transactions?limit=zero")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp2.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestSink(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out walletdto.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || out.Timestamp == "" {
		t.Fatalf("unexpected health payload: %+v", out)
	}
}
