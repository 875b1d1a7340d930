// Package gdrive uploads media to Google Drive and shares it by link.
package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/onnwee/line-sheets/media"
	"github.com/onnwee/line-sheets/telemetry"
)

const backend = "drive"

// Uploader implements media.Uploader on Drive.
type Uploader struct {
	svc      *drive.Service
	folderID string
	logger   *slog.Logger

	mu       sync.Mutex
	resolved bool
}

var _ media.Uploader = (*Uploader)(nil)

// New wraps a Drive service. folderID may be empty to upload to the root.
func New(svc *drive.Service, folderID string) *Uploader {
	u := &Uploader{svc: svc, folderID: folderID, logger: slog.Default().With(slog.String("component", "gdrive"))}
	if folderID == "" {
		u.logger.Info("no drive folder configured, uploading to root")
	}
	return u
}

// Open builds the Drive service from client options.
func Open(ctx context.Context, folderID string, opts ...option.ClientOption) (*Uploader, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return New(svc, folderID), nil
}

// ViewLink is the shareable link for a Drive file id.
func ViewLink(id string) string {
	return "https://drive.google.com/file/d/" + id + "/view"
}

// resolveParent returns the parent folder for the next upload. A successful
// folder check is remembered; an inaccessible folder falls back to the root
// and is checked again on the next upload.
func (u *Uploader) resolveParent(ctx context.Context) string {
	if u.folderID == "" {
		return ""
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.resolved {
		return u.folderID
	}
	if _, err := u.CheckFolder(ctx); err != nil {
		u.logger.Warn("drive folder not accessible, uploading to root",
			slog.String("folder", u.folderID), slog.Any("err", err))
		return ""
	}
	u.resolved = true
	return u.folderID
}

// CheckFolder reads the configured folder and returns its name. It returns
// "" and no error when no folder is configured.
func (u *Uploader) CheckFolder(ctx context.Context) (string, error) {
	if u.folderID == "" {
		return "", nil
	}
	f, err := u.svc.Files.Get(u.folderID).Fields("id, name, mimeType").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive folder %s: %w", u.folderID, err)
	}
	return f.Name, nil
}

// Upload creates the file, shares it with anyone holding the link and returns
// the link. If sharing fails the file is deleted again.
func (u *Uploader) Upload(ctx context.Context, data []byte, filename string) (res *media.Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "media", "gdrive.upload",
		attribute.String("file", filename), attribute.Int("bytes", len(data)))
	defer span.End()
	start := time.Now()
	defer func() {
		telemetry.RecordUpload(backend, time.Since(start), err)
		if err != nil {
			telemetry.RecordError(span, err)
			media.LogFailure(u.logger, filename, err)
		}
	}()

	meta := &drive.File{Name: filename}
	if parent := u.resolveParent(ctx); parent != "" {
		meta.Parents = []string{parent}
	}
	f, err := u.svc.Files.Create(meta).
		Media(bytes.NewReader(data), googleapi.ContentType(media.ContentType(data)), googleapi.ChunkSize(0)).
		Fields("id, webViewLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, media.NewUploadError("create", err)
	}

	perm := &drive.Permission{Type: "anyone", Role: "reader"}
	if _, err := u.svc.Permissions.Create(f.Id, perm).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		u.discard(ctx, f.Id)
		return nil, media.NewUploadError("permission", err)
	}

	u.logger.Info("media uploaded", slog.String("file", filename), slog.String("id", f.Id))
	telemetry.SetSpanSuccess(span)
	return &media.Result{URL: ViewLink(f.Id), ObjectID: f.Id, Backend: backend}, nil
}

// discard removes a file that could not be shared so nothing unlinked is left behind.
func (u *Uploader) discard(ctx context.Context, id string) {
	if err := u.svc.Files.Delete(id).SupportsAllDrives(true).Context(context.WithoutCancel(ctx)).Do(); err != nil {
		u.logger.Error("delete of unshared drive file failed, file orphaned",
			slog.String("id", id), slog.Any("err", err))
		return
	}
	u.logger.Warn("deleted drive file after permission failure", slog.String("id", id))
}
