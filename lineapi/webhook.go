package lineapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/onnwee/line-sheets/bot"
	"github.com/onnwee/line-sheets/telemetry"
)

// MaxBodyBytes caps webhook request bodies.
const MaxBodyBytes = 1 << 20

// DefaultDeadline bounds the handling of one callback, all events included.
const DefaultDeadline = 50 * time.Second

// EventHandler processes one converted event.
type EventHandler interface {
	Handle(ctx context.Context, in bot.Inbound)
}

// WebhookHandler verifies X-Line-Signature and hands each event to the
// EventHandler in order before answering 200. Each event gets timeout; the
// whole callback gets deadline, after which remaining events are skipped.
type WebhookHandler struct {
	secret   string
	events   EventHandler
	timeout  time.Duration
	deadline time.Duration
}

func NewWebhookHandler(channelSecret string, events EventHandler, timeout, deadline time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &WebhookHandler{secret: channelSecret, events: events, timeout: timeout, deadline: deadline}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "webhook"))
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	cb, err := webhook.ParseRequest(h.secret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			telemetry.IncWebhookRejected("signature")
			log.Warn("webhook signature invalid")
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		telemetry.IncWebhookRejected("parse")
		log.Warn("webhook parse failed", slog.Any("err", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// A LINE disconnect must not abort a half-finished write.
	base, cancelBatch := context.WithTimeout(context.WithoutCancel(r.Context()), h.deadline)
	defer cancelBatch()
	for i, ev := range cb.Events {
		if base.Err() != nil {
			skipped := len(cb.Events) - i
			for range skipped {
				telemetry.IncWebhookEvent("skipped")
			}
			log.Error("webhook deadline reached, events not processed",
				slog.Int("skipped", skipped), slog.Duration("deadline", h.deadline))
			break
		}
		in, ok := ToInbound(ev)
		if !ok {
			telemetry.IncWebhookEvent("other")
			log.Debug("ignoring webhook event", slog.String("type", eventType(ev)))
			continue
		}
		ctx, cancel := context.WithTimeout(base, h.timeout)
		h.events.Handle(ctx, in)
		cancel()
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ToInbound converts a message event. Non-message events report false.
func ToInbound(ev webhook.EventInterface) (bot.Inbound, bool) {
	var e webhook.MessageEvent
	switch v := ev.(type) {
	case webhook.MessageEvent:
		e = v
	case *webhook.MessageEvent:
		e = *v
	default:
		return bot.Inbound{}, false
	}
	in := bot.Inbound{UserID: sourceUser(e.Source), ReplyToken: e.ReplyToken}
	switch m := e.Message.(type) {
	case webhook.TextMessageContent:
		in.Kind, in.MessageID, in.Text = bot.KindText, m.Id, m.Text
	case webhook.ImageMessageContent:
		in.Kind, in.MessageID = bot.KindImage, m.Id
	default:
		in.Kind = bot.KindOther
	}
	return in, true
}

func sourceUser(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	}
	return ""
}

func eventType(ev webhook.EventInterface) string {
	if ev == nil {
		return ""
	}
	return ev.GetType()
}
