// Package bot routes inbound LINE messages: save-mode commands, text rows and
// image uploads. It is the only layer that turns errors into user-facing replies.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/line-sheets/media"
	"github.com/onnwee/line-sheets/sheets"
	"github.com/onnwee/line-sheets/telemetry"
)

// Control commands.
const (
	CmdSave = "/save"
	CmdEnd  = "/end"
)

// Replies sent to users.
const (
	ReplySaveOn            = "開始儲存模式，接下來的訊息和圖片將會儲存到Google Sheets"
	ReplySaveOff           = "停止儲存模式，接下來的訊息和圖片將不會儲存"
	ReplyNotRecording      = "目前非儲存模式，請先輸入 /save 開始儲存"
	ReplyTextSaved         = "已儲存訊息: %s"
	ReplyTextFailed        = "訊息儲存失敗，請稍後再試"
	ReplyImageSaved        = "已儲存圖片至Google Drive: %s"
	ReplyImageUploadFailed = "圖片已儲存但上傳Google Drive時發生問題"
	ReplyImageFailed       = "圖片儲存失敗，請稍後再試"
)

// Kind is the type of an inbound message.
type Kind int

const (
	KindOther Kind = iota
	KindText
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	default:
		return "other"
	}
}

// Inbound is a validated message event.
type Inbound struct {
	Kind       Kind
	UserID     string
	ReplyToken string
	MessageID  string
	Text       string
}

// Replier answers an event by reply token.
type Replier interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// ContentFetcher downloads message content (image bytes) by message id.
type ContentFetcher interface {
	FetchContent(ctx context.Context, messageID string) ([]byte, error)
}

// RowAppender persists one row.
type RowAppender interface {
	Append(ctx context.Context, row sheets.Row) (*sheets.AppendResult, error)
}

// Gate is the per-user save-mode toggle.
type Gate interface {
	Enable(user string)
	Disable(user string)
	Enabled(user string) bool
}

// Options wires a Dispatcher. A nil Gate disables save mode: every message is
// persisted and /save and /end are ordinary text.
type Options struct {
	Replier  Replier
	Fetcher  ContentFetcher
	Rows     RowAppender
	Uploader media.Uploader
	Gate     Gate
	Location *time.Location
	Now      func() time.Time
}

type Dispatcher struct {
	replier  Replier
	fetcher  ContentFetcher
	rows     RowAppender
	uploader media.Uploader
	gate     Gate
	loc      *time.Location
	now      func() time.Time
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		replier:  opts.Replier,
		fetcher:  opts.Fetcher,
		rows:     opts.Rows,
		uploader: opts.Uploader,
		gate:     opts.Gate,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if d.loc == nil {
		d.loc = time.Local
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Handle processes one inbound event to completion, including the reply.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) {
	ctx, span := telemetry.StartSpan(ctx, "bot", "bot.handle", telemetry.EventAttrs(in.Kind.String(), in.MessageID)...)
	defer span.End()
	telemetry.IncWebhookEvent(in.Kind.String())

	telemetry.TimeFunc(telemetry.EventDuration, func() {
		switch in.Kind {
		case KindText:
			d.handleText(ctx, in)
		case KindImage:
			d.handleImage(ctx, in)
		default:
			telemetry.LoggerWithCorr(ctx).Debug("ignoring unsupported message", slog.String("user", in.UserID))
		}
	})
}

func (d *Dispatcher) handleText(ctx context.Context, in Inbound) {
	log := d.logger(ctx, in)
	if d.gate != nil {
		switch in.Text {
		case CmdSave:
			d.gate.Enable(in.UserID)
			log.Info("save mode enabled")
			d.reply(ctx, in, ReplySaveOn)
			return
		case CmdEnd:
			d.gate.Disable(in.UserID)
			log.Info("save mode disabled")
			d.reply(ctx, in, ReplySaveOff)
			return
		}
		if !d.gate.Enabled(in.UserID) {
			d.reply(ctx, in, ReplyNotRecording)
			return
		}
	}

	row := sheets.Row{
		Timestamp: d.timestamp(),
		UserID:    in.UserID,
		Type:      sheets.RowText,
		Content:   in.Text,
	}
	if _, err := d.rows.Append(ctx, row); err != nil {
		log.Error("save text failed", slog.Any("err", err))
		d.reply(ctx, in, ReplyTextFailed)
		return
	}
	d.reply(ctx, in, fmt.Sprintf(ReplyTextSaved, in.Text))
}

func (d *Dispatcher) handleImage(ctx context.Context, in Inbound) {
	log := d.logger(ctx, in).With(slog.String("message_id", in.MessageID))
	if d.gate != nil && !d.gate.Enabled(in.UserID) {
		d.reply(ctx, in, ReplyNotRecording)
		return
	}

	data, err := d.fetcher.FetchContent(ctx, in.MessageID)
	if err != nil {
		log.Error("fetch image content failed", slog.Any("err", err))
		d.reply(ctx, in, ReplyImageFailed)
		return
	}

	now := d.now().In(d.loc)
	extra := media.Placeholder(in.MessageID, len(data))
	uploaded := false
	if d.uploader != nil {
		res, err := d.uploader.Upload(ctx, data, media.Filename(in.MessageID, now, data))
		if err != nil {
			log.Warn("image upload failed, recording placeholder", slog.Any("err", err))
		} else {
			extra, uploaded = res.URL, true
		}
	}

	row := sheets.Row{
		Timestamp: now.Format(sheets.TimestampLayout),
		UserID:    in.UserID,
		Type:      sheets.RowImage,
		Content:   fmt.Sprintf("Image size: %d bytes", len(data)),
		Extra:     extra,
	}
	if _, err := d.rows.Append(ctx, row); err != nil {
		log.Error("save image row failed", slog.Any("err", err))
		d.reply(ctx, in, ReplyImageFailed)
		return
	}
	if uploaded {
		d.reply(ctx, in, fmt.Sprintf(ReplyImageSaved, extra))
		return
	}
	d.reply(ctx, in, ReplyImageUploadFailed)
}

func (d *Dispatcher) timestamp() string {
	return d.now().In(d.loc).Format(sheets.TimestampLayout)
}

func (d *Dispatcher) logger(ctx context.Context, in Inbound) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "bot"), slog.String("user", in.UserID))
}

func (d *Dispatcher) reply(ctx context.Context, in Inbound, text string) {
	if in.ReplyToken == "" || d.replier == nil {
		return
	}
	if err := d.replier.Reply(ctx, in.ReplyToken, text); err != nil {
		telemetry.IncReplyFailed()
		d.logger(ctx, in).Error("reply failed", slog.Any("err", err))
	}
}
