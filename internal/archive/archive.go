// Package archive copies recordings from the device into S3-compatible
// object storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/internal/metrics"
	"github.com/dashctl/dashctl/pkg/catalog"
	"github.com/dashctl/dashctl/pkg/models"
)

// deviceTimeLayout is how the firmware formats a recording's TIME node.
const deviceTimeLayout = "2006/01/02 15:04:05"

// Config describes the target bucket.
type Config struct {
	Endpoint  string // empty for AWS itself
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
}

// Opener streams a URL from the device. transport.Client satisfies it.
type Opener interface {
	Open(ctx context.Context, requestURL string) (io.ReadCloser, int64, error)
}

// Archiver uploads recordings to one bucket.
type Archiver struct {
	client  *s3.Client
	bucket  string
	prefix  string
	device  Opener
	baseURL string
}

// New creates an archiver. The bucket is created if missing; failure to do
// so is logged, not returned, since credentials may allow put but not create.
func New(ctx context.Context, cfg Config, device Opener, deviceBaseURL string) (*Archiver, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	a := &Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		device:  device,
		baseURL: deviceBaseURL,
	}

	if err := a.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return a, nil
}

func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err == nil {
		return nil
	}
	if _, createErr := a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.bucket),
	}); createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", a.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", a.bucket))
	return nil
}

// Key derives the object key for a recording: prefix/YYYY/MM/name, using the
// device's timestamp. Recordings with an unparseable time go under
// prefix/unsorted.
func Key(prefix string, rec models.FileRecord) string {
	name := rec.Name
	if name == "" {
		name = path.Base(strings.ReplaceAll(rec.Path, `\`, "/"))
	}

	t, err := time.Parse(deviceTimeLayout, strings.TrimSpace(rec.Time))
	if err != nil {
		return path.Join(prefix, "unsorted", name)
	}
	return path.Join(prefix, t.Format("2006"), t.Format("01"), name)
}

// Archive copies rec to the bucket and returns its key. The recording is
// spooled to a temporary file first so the upload body is seekable and its
// length known.
func (a *Archiver) Archive(ctx context.Context, rec models.FileRecord) (string, error) {
	key := Key(a.prefix, rec)
	src := catalog.PlaybackURL(a.baseURL, rec.Path)
	start := time.Now()

	size, err := a.copy(ctx, src, key)
	metrics.RecordArchive(size, err == nil)
	if err != nil {
		logging.Warn("archive failed", zap.String("path", rec.Path), zap.Error(err))
		return "", err
	}

	logging.Info("recording archived",
		zap.String("path", rec.Path),
		zap.String("key", key),
		zap.Int64("bytes", size),
		zap.Duration("duration", time.Since(start)))
	return key, nil
}

func (a *Archiver) copy(ctx context.Context, src, key string) (int64, error) {
	body, _, err := a.device.Open(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", src, err)
	}
	defer body.Close()

	spool, err := os.CreateTemp("", "dashctl-archive-*")
	if err != nil {
		return 0, fmt.Errorf("create spool file: %w", err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	size, err := io.Copy(spool, body)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", src, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind spool file: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", key, err)
	}
	return size, nil
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
