// Package s3store uploads media to an S3-compatible bucket (AWS S3, MinIO, R2).
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/line-sheets/media"
	"github.com/onnwee/line-sheets/telemetry"
)

const backend = "s3"

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// Options configures the bucket connection.
type Options struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Prefix         string
	PublicBaseURL  string
	PresignTTL     time.Duration
	ForcePathStyle bool
}

// Store implements media.Uploader on S3.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
}

var _ media.Uploader = (*Store)(nil)

// New loads the AWS config (static keys when given, else the default chain)
// and builds the client.
func New(ctx context.Context, opts Options) (*Store, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
		// S3-compatible stores often reject the default trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 7 * 24 * time.Hour
	}
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		opts:    opts,
		now:     time.Now,
		logger:  slog.Default().With(slog.String("component", "s3store")),
	}, nil
}

// Key is the object key for filename: <prefix>/<yyyy>/<mm>/<dd>/<filename>.
func (s *Store) Key(filename string) string {
	d := s.now().UTC()
	return path.Join(s.opts.Prefix, d.Format("2006"), d.Format("01"), d.Format("02"), filename)
}

func (s *Store) Upload(ctx context.Context, data []byte, filename string) (res *media.Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "media", "s3.upload",
		attribute.String("file", filename), attribute.Int("bytes", len(data)))
	defer span.End()
	start := time.Now()
	defer func() {
		telemetry.RecordUpload(backend, time.Since(start), err)
		if err != nil {
			telemetry.RecordError(span, err)
			media.LogFailure(s.logger, filename, err)
		}
	}()

	key := s.Key(filename)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(media.ContentType(data)),
	})
	if err != nil {
		return nil, media.NewUploadError("put", err)
	}

	link, err := s.link(ctx, key)
	if err != nil {
		return nil, media.NewUploadError("presign", err)
	}
	s.logger.Info("media uploaded", slog.String("file", filename), slog.String("key", key))
	telemetry.SetSpanSuccess(span)
	return &media.Result{URL: link, ObjectID: key, Backend: backend}, nil
}

func (s *Store) link(ctx context.Context, key string) (string, error) {
	if s.opts.PublicBaseURL != "" {
		return s.opts.PublicBaseURL + "/" + key, nil
	}
	req, err := presignGetObject(s.presign, ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.opts.PresignTTL))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
