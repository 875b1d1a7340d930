// Package sheets appends message rows to a Google Sheets spreadsheet.
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/onnwee/line-sheets/telemetry"
)

// TimestampLayout is the format of the timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// Headers is the header row written to A1:E1.
var Headers = []string{"時間戳記", "使用者ID", "訊息類型", "內容", "額外資訊"}

type RowType string

const (
	RowText  RowType = "text"
	RowImage RowType = "image"
)

// Row is one appended record. Rows are never updated or deleted.
type Row struct {
	Timestamp string
	UserID    string
	Type      RowType
	Content   string
	Extra     string
}

func (r Row) values() []interface{} {
	return []interface{}{r.Timestamp, r.UserID, string(r.Type), r.Content, r.Extra}
}

// AppendResult is the API acknowledgment of an append, including the values
// the API echoed back.
type AppendResult struct {
	UpdatedCells int64
	UpdatedRange string
	Values       []string
}

// WriteError wraps a failed Sheets call.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return "sheets " + e.Op + ": " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

// Writer writes rows to one spreadsheet range.
type Writer struct {
	svc           *gsheets.Service
	spreadsheetID string
	rng           string
	logger        *slog.Logger
}

// New wraps an existing Sheets service. rng is the append range, e.g. "A:E" or "Sheet1!A:E".
func New(svc *gsheets.Service, spreadsheetID, rng string) *Writer {
	if rng == "" {
		rng = "A:E"
	}
	return &Writer{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		rng:           rng,
		logger:        slog.Default().With(slog.String("component", "sheets")),
	}
}

// Open builds the Sheets service from client options (typically Credential.ClientOptions).
func Open(ctx context.Context, spreadsheetID, rng string, opts ...option.ClientOption) (*Writer, error) {
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return New(svc, spreadsheetID, rng), nil
}

// Append writes one row in a single API call. There is no retry.
func (w *Writer) Append(ctx context.Context, row Row) (*AppendResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "sheets", "sheets.append", attribute.String("row.type", string(row.Type)))
	defer span.End()
	start := time.Now()

	vr := &gsheets.ValueRange{Values: [][]interface{}{row.values()}}
	resp, err := w.svc.Spreadsheets.Values.Append(w.spreadsheetID, w.rng, vr).
		ValueInputOption("RAW").
		IncludeValuesInResponse(true).
		Context(ctx).
		Do()
	telemetry.RecordAppend(string(row.Type), time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, &WriteError{Op: "append", Err: err}
	}
	res := &AppendResult{}
	if u := resp.Updates; u != nil {
		res.UpdatedCells = u.UpdatedCells
		res.UpdatedRange = u.UpdatedRange
		if u.UpdatedData != nil && len(u.UpdatedData.Values) > 0 {
			for _, v := range u.UpdatedData.Values[0] {
				res.Values = append(res.Values, fmt.Sprint(v))
			}
		}
	}
	telemetry.LoggerWithCorr(ctx).Debug("row appended",
		slog.String("component", "sheets"),
		slog.String("range", res.UpdatedRange),
		slog.Int64("cells", res.UpdatedCells))
	telemetry.SetSpanSuccess(span)
	return res, nil
}

// WriteHeaders overwrites the header row; calling it repeatedly leaves one header row.
func (w *Writer) WriteHeaders(ctx context.Context) error {
	vals := make([]interface{}, len(Headers))
	for i, h := range Headers {
		vals[i] = h
	}
	vr := &gsheets.ValueRange{Values: [][]interface{}{vals}}
	_, err := w.svc.Spreadsheets.Values.Update(w.spreadsheetID, w.headerRange(), vr).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return &WriteError{Op: "headers", Err: err}
	}
	w.logger.Info("header row written", slog.String("range", w.headerRange()))
	return nil
}

// TestConnection reads the spreadsheet metadata and returns its title.
func (w *Writer) TestConnection(ctx context.Context) (string, error) {
	ss, err := w.svc.Spreadsheets.Get(w.spreadsheetID).Fields("properties.title").Context(ctx).Do()
	if err != nil {
		return "", &WriteError{Op: "get", Err: err}
	}
	if ss.Properties == nil {
		return "", nil
	}
	return ss.Properties.Title, nil
}

// headerRange keeps the sheet prefix of the append range, if any.
func (w *Writer) headerRange() string {
	if sheet, _, ok := strings.Cut(w.rng, "!"); ok {
		return sheet + "!A1:E1"
	}
	return "A1:E1"
}
