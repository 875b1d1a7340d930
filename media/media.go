// Package media defines the object-store upload contract shared by the Drive
// and S3 backends, plus the size limit and naming rules for fetched content.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"
)

// ErrAssetTooLarge is returned when fetched content exceeds the configured limit.
var ErrAssetTooLarge = errors.New("media: asset too large")

// Result is a successful upload.
type Result struct {
	URL      string
	ObjectID string
	Backend  string
}

// Uploader stores a binary payload and returns a shareable link.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename string) (*Result, error)
}

// ErrorKind classifies an upload failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindQuota
	KindPermission
	KindNotFound
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindQuota:
		return "quota"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// UploadError reports which step of an upload failed and why.
type UploadError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// NewUploadError classifies err and wraps it.
func NewUploadError(step string, err error) *UploadError {
	return &UploadError{Kind: Classify(err), Step: step, Err: err}
}

var quotaReasons = map[string]bool{
	"storageQuotaExceeded":       true,
	"quotaExceeded":              true,
	"userRateLimitExceeded":      true,
	"rateLimitExceeded":          true,
	"dailyLimitExceeded":         true,
	"teamDriveFileLimitExceeded": true,
}

// Classify maps Google API, S3 and network errors to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if quotaReasons[item.Reason] {
				return KindQuota
			}
		}
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return KindQuota
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return KindPermission
		case gerr.Code == http.StatusNotFound:
			return KindNotFound
		case gerr.Code >= 500:
			return KindTransient
		}
		return KindUnknown
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "QuotaExceeded", "ServiceQuotaExceededException", "EntityTooLarge":
			return KindQuota
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return KindPermission
		case "NoSuchBucket", "NoSuchKey":
			return KindNotFound
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return KindTransient
		}
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// LogFailure logs an upload failure; quota exhaustion gets its own message.
func LogFailure(logger *slog.Logger, filename string, err error) {
	var ue *UploadError
	if !errors.As(err, &ue) {
		logger.Error("media upload failed", slog.String("file", filename), slog.Any("err", err))
		return
	}
	if ue.Kind == KindQuota {
		logger.Error("media upload failed: storage quota exceeded",
			slog.String("file", filename), slog.String("step", ue.Step), slog.Any("err", ue.Err))
		return
	}
	logger.Error("media upload failed",
		slog.String("file", filename), slog.String("step", ue.Step), slog.String("kind", ue.Kind.String()), slog.Any("err", ue.Err))
}

// ReadAllWithLimit reads from reader and rejects payloads larger than maxBytes.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}

// ContentType sniffs the MIME type of data.
func ContentType(data []byte) string {
	return http.DetectContentType(data)
}

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
}

// Filename names an uploaded image: linebot_image_<messageID>_<yyyyMMdd_HHmmss>.<ext>.
// LINE delivers images as JPEG, so unknown content keeps the jpg extension.
func Filename(messageID string, at time.Time, data []byte) string {
	ext, ok := extensions[ContentType(data)]
	if !ok {
		ext = "jpg"
	}
	return fmt.Sprintf("linebot_image_%s_%s.%s", messageID, at.Format("20060102_150405"), ext)
}

// Placeholder is recorded instead of a link when the upload fails.
func Placeholder(messageID string, size int) string {
	return fmt.Sprintf("[UPLOAD_FAILED] id=%s size=%d bytes", messageID, size)
}
