package lineapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/line-sheets/bot"
)

const testSecret = "channel-secret"

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type recordingHandler struct {
	mu     sync.Mutex
	events []bot.Inbound
	ctxErr []error
}

func (h *recordingHandler) Handle(ctx context.Context, in bot.Inbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, in)
	h.ctxErr = append(h.ctxErr, ctx.Err())
}

const callbackBody = `{"destination":"Ubot","events":[` +
	`{"type":"message","mode":"active","timestamp":1700000000000,"webhookEventId":"e1","deliveryContext":{"isRedelivery":false},` +
	`"source":{"type":"user","userId":"U1"},"replyToken":"rt1","message":{"type":"text","id":"m1","text":"/save","quoteToken":"q1"}},` +
	`{"type":"message","mode":"active","timestamp":1700000000001,"webhookEventId":"e2","deliveryContext":{"isRedelivery":false},` +
	`"source":{"type":"group","groupId":"G1","userId":"U2"},"replyToken":"rt2","message":{"type":"image","id":"m2","quoteToken":"q2","contentProvider":{"type":"line"}}},` +
	`{"type":"follow","mode":"active","timestamp":1700000000002,"webhookEventId":"e3","deliveryContext":{"isRedelivery":false},` +
	`"source":{"type":"user","userId":"U3"},"replyToken":"rt3","follow":{"isUnblocked":false}}` +
	`]}`

func newCallback(body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Line-Signature", signature)
	}
	return req
}

func TestWebhookDispatchesMessageEvents(t *testing.T) {
	rec := &recordingHandler{}
	h := NewWebhookHandler(testSecret, rec, time.Second, 0)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newCallback(callbackBody, sign(testSecret, callbackBody)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if len(rec.events) != 2 {
		t.Fatalf("events = %d, want 2 (follow ignored)", len(rec.events))
	}
	want := []bot.Inbound{
		{Kind: bot.KindText, UserID: "U1", ReplyToken: "rt1", MessageID: "m1", Text: "/save"},
		{Kind: bot.KindImage, UserID: "U2", ReplyToken: "rt2", MessageID: "m2"},
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, rec.events[i], want[i])
		}
	}
}

func TestWebhookRejects(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		sig    string
		want   int
	}{
		{"wrong signature", http.MethodPost, callbackBody, sign("other-secret", callbackBody), http.StatusBadRequest},
		{"missing signature", http.MethodPost, callbackBody, "", http.StatusBadRequest},
		{"malformed body", http.MethodPost, "{not json", sign(testSecret, "{not json"), http.StatusBadRequest},
		{"get", http.MethodGet, "", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingHandler{}
			h := NewWebhookHandler(testSecret, rec, time.Second, 0)
			req := newCallback(tt.body, tt.sig)
			req.Method = tt.method
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if len(rec.events) != 0 {
				t.Errorf("events dispatched on rejected request: %d", len(rec.events))
			}
		})
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	body := `{"destination":"U","events":[],"pad":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	w := httptest.NewRecorder()
	NewWebhookHandler(testSecret, &recordingHandler{}, time.Second, 0).ServeHTTP(w, newCallback(body, sign(testSecret, body)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for oversized body", w.Code)
	}
}

func TestWebhookDetachesFromClientCancel(t *testing.T) {
	rec := &recordingHandler{}
	h := NewWebhookHandler(testSecret, rec, time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := newCallback(callbackBody, sign(testSecret, callbackBody)).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if len(rec.ctxErr) == 0 {
		t.Fatal("no events handled")
	}
	for i, err := range rec.ctxErr {
		if err != nil {
			t.Errorf("event %d context error = %v, want live context", i, err)
		}
	}
}

type blockingHandler struct {
	mu      sync.Mutex
	handled int
}

func (h *blockingHandler) Handle(ctx context.Context, in bot.Inbound) {
	<-ctx.Done()
	h.mu.Lock()
	h.handled++
	h.mu.Unlock()
}

func TestWebhookDeadlineSkipsRemainingEvents(t *testing.T) {
	rec := &blockingHandler{}
	h := NewWebhookHandler(testSecret, rec, time.Second, 50*time.Millisecond)

	start := time.Now()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, newCallback(callbackBody, sign(testSecret, callbackBody)))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("callback took %v, want it bounded by the batch deadline", elapsed)
	}
	if rec.handled != 1 {
		t.Errorf("handled = %d, want only the first event before the deadline", rec.handled)
	}
}
