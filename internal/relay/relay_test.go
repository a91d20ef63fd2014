package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"telehook/internal/ledger"
	"telehook/internal/message"
	"telehook/internal/telegram"
	"telehook/internal/tenant"
)

type fakeSender struct {
	calls []*message.Message
	err   error
}

func (f *fakeSender) Send(ctx context.Context, msg *message.Message) error {
	f.calls = append(f.calls, msg)
	return f.err
}

type fixture struct {
	sender *fakeSender
	ledger *ledger.Ledger
	router *chi.Mux
}

func newFixture(t *testing.T, keys, defaultDest string, defaultThread int) *fixture {
	t.Helper()
	f := &fixture{
		sender: &fakeSender{},
		ledger: ledger.New(),
	}
	ctrl := New(
		tenant.NewRegistry(tenant.ParseKeyMap(keys), defaultDest),
		&message.Normalizer{DefaultThreadID: defaultThread},
		f.sender,
		f.ledger,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	f.router = chi.NewRouter()
	ctrl.Mount(f.router)
	return f
}

func (f *fixture) post(t *testing.T, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response body %q is not JSON: %v", rec.Body.String(), err)
	}
	return out
}

func TestWebhook_TenantScenario(t *testing.T) {
	f := newFixture(t, "my-key:123", "", 0)

	rec := f.post(t, "/webhook/my-key", `{"source":"demo","subject":"hello","message":"hi","extra":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
	if id, _ := body["deliveryId"].(string); len(id) != 36 {
		t.Errorf("deliveryId = %v, want a uuid", body["deliveryId"])
	}

	if len(f.sender.calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.sender.calls))
	}
	sent := f.sender.calls[0]
	wantText := "[demo] hello\nhi\n\n---\n{\n  \"extra\": 1\n}"
	if sent.Text != wantText {
		t.Errorf("outbound text = %q, want %q", sent.Text, wantText)
	}
	if sent.Destination != "123" {
		t.Errorf("destination = %q, want 123", sent.Destination)
	}
	if f.ledger.Len() != 1 {
		t.Errorf("ledger entries = %d, want 1", f.ledger.Len())
	}
}

func TestWebhook_OpenModeScenario(t *testing.T) {
	f := newFixture(t, "", "999", 0)

	rec := f.post(t, "/webhook", `{"message":"ping"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	sent := f.sender.calls[0]
	if sent.Text != "ping" {
		t.Errorf("outbound text = %q, want ping", sent.Text)
	}
	if sent.Destination != "999" {
		t.Errorf("destination = %q, want 999", sent.Destination)
	}
	if got := f.ledger.RecentCount(time.Hour, time.Now()); got != 1 {
		t.Errorf("recent deliveries = %d, want 1", got)
	}
}

func TestWebhook_AuthFailures(t *testing.T) {
	f := newFixture(t, "my-key:123", "", 0)

	for _, path := range []string{"/webhook", "/webhook/wrong", "/webhook?api_key=nope"} {
		rec := f.post(t, path, `{"message":"hi"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("POST %s status = %d, want 401", path, rec.Code)
		}
	}
	if len(f.sender.calls) != 0 {
		t.Errorf("sends = %d, want 0 (no dispatch on auth failure)", len(f.sender.calls))
	}
	if f.ledger.Len() != 0 {
		t.Errorf("ledger entries = %d, want 0", f.ledger.Len())
	}
}

func TestWebhook_QueryParamAuth(t *testing.T) {
	f := newFixture(t, "my-key:123", "", 0)

	rec := f.post(t, "/webhook?api_key=my-key", `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_ValidationFailures(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
	}{
		{"wrong content type", `{"message":"hi"}`, "text/plain", http.StatusUnsupportedMediaType},
		{"missing content type", `{"message":"hi"}`, "", http.StatusUnsupportedMediaType},
		{"empty body", ``, "application/json", http.StatusBadRequest},
		{"malformed json", `{"message":`, "application/json", http.StatusBadRequest},
		{"non-object json", `[1,2]`, "application/json", http.StatusBadRequest},
		{"missing message", `{"subject":"x"}`, "application/json", http.StatusBadRequest},
		{"empty message", `{"message":"   "}`, "application/json", http.StatusBadRequest},
		{"oversized body", `{"message":"` + strings.Repeat("a", 130<<10) + `"}`, "application/json", http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", "999", 0)
			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if msg, _ := decodeBody(t, rec)["error"].(string); msg == "" {
				t.Error("error response must carry a specific reason")
			}
			if len(f.sender.calls) != 0 {
				t.Error("validation failure must not dispatch")
			}
			if f.ledger.Len() != 0 {
				t.Error("validation failure must not create a ledger entry")
			}
		})
	}
}

func TestWebhook_MisconfiguredDestination(t *testing.T) {
	// Key is known but unbound, and there is no default destination.
	f := newFixture(t, "unbound,bound:123", "", 0)

	rec := f.post(t, "/webhook/unbound", `{"message":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if len(f.sender.calls) != 0 || f.ledger.Len() != 0 {
		t.Error("misconfigured destination must not dispatch or record")
	}
}

func TestWebhook_UpstreamFailure(t *testing.T) {
	f := newFixture(t, "", "999", 0)
	f.sender.err = &telegram.UpstreamError{Attempts: 3, Detail: "telegram: Too Many Requests (429)"}

	rec := f.post(t, "/webhook", `{"message":"hi"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["details"] != "telegram: Too Many Requests (429)" {
		t.Errorf("details = %v", body["details"])
	}

	if f.ledger.Len() != 1 {
		t.Fatalf("ledger entries = %d, want 1 (failures are recorded)", f.ledger.Len())
	}
}

func TestWebhook_ThreadAndParseModePassthrough(t *testing.T) {
	f := newFixture(t, "", "999", 42)

	rec := f.post(t, "/webhook", `{"message":"hi","thread_id":7,"parse_mode":"HTML","silence":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	sent := f.sender.calls[0]
	if sent.ThreadID != 7 || sent.ParseMode != "HTML" || !sent.Silent {
		t.Errorf("sent = %+v", sent)
	}

	rec = f.post(t, "/webhook", `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if sent := f.sender.calls[1]; sent.ThreadID != 42 {
		t.Errorf("thread id = %d, want default 42", sent.ThreadID)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "", "999", 0)
	now := time.Now()
	f.ledger.Record(ledger.Entry{ID: "a", Timestamp: now.Add(-10 * time.Minute), Status: ledger.StatusDelivered})
	f.ledger.Record(ledger.Entry{ID: "b", Timestamp: now.Add(-50 * time.Minute), Status: ledger.StatusDelivered})
	f.ledger.Record(ledger.Entry{ID: "c", Timestamp: now.Add(-2 * time.Hour), Status: ledger.StatusDelivered})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true {
		t.Errorf("ok = %v", body["ok"])
	}
	if body["recentDeliveries"] != float64(2) {
		t.Errorf("recentDeliveries = %v, want 2", body["recentDeliveries"])
	}
	if _, ok := body["uptimeSeconds"].(float64); !ok {
		t.Errorf("uptimeSeconds missing: %v", body)
	}
}

func TestIndexAndNotFound(t *testing.T) {
	f := newFixture(t, "", "999", 0)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GET / status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true || body["docs"] == nil {
		t.Errorf("GET / body = %v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Not found" {
		t.Errorf("404 body = %v", body)
	}
}

func TestWebhook_LedgerSentinelAndPreview(t *testing.T) {
	f := newFixture(t, "", "999", 0)

	long := strings.Repeat("x", 500)
	rec := f.post(t, "/webhook", `{"message":"`+long+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	entries := f.ledger.Snapshot()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d", len(entries))
	}
	e := entries[0]
	if e.Key != tenant.AnonymousKey {
		t.Errorf("ledger key = %q, want %q", e.Key, tenant.AnonymousKey)
	}
	if len(e.Preview) != 120 {
		t.Errorf("preview length = %d, want 120", len(e.Preview))
	}
	if e.Status != ledger.StatusDelivered {
		t.Errorf("status = %q", e.Status)
	}
}
