// Package media stores article cover images in an S3-compatible bucket.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/andseven/blog/internal/util"
)

// MaxCoverSize is the largest accepted upload.
const MaxCoverSize = 5 << 20

var (
	ErrTooLarge        = errors.New("cover image exceeds 5 MiB")
	ErrUnsupportedType = errors.New("cover image must be png, jpeg, gif or webp")
	ErrEmpty           = errors.New("cover image is empty")
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// objectStore is the part of *minio.Client used here.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	SetBucketPolicy(ctx context.Context, bucket, policy string) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Covers struct {
	client  objectStore
	bucket  string
	baseURL string
	logger  zerolog.Logger
}

// NewCovers connects to the bucket endpoint. It does not touch the network;
// call EnsureBucket before the first upload.
func NewCovers(cfg Config, logger zerolog.Logger) (*Covers, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("media: endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: create client: %w", err)
	}
	return newCovers(client, cfg, logger), nil
}

func newCovers(client objectStore, cfg Config, logger zerolog.Logger) *Covers {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return &Covers{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: scheme + "://" + cfg.Endpoint + "/" + url.PathEscape(cfg.Bucket),
		logger:  logger,
	}
}

// EnsureBucket creates the bucket if needed and makes its objects publicly
// readable, since cover URLs are embedded in article pages.
func (c *Covers) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("media: check bucket: %w", err)
	}
	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("media: create bucket: %w", err)
		}
		c.logger.Info().Str("bucket", c.bucket).Msg("created cover bucket")
	}
	if err := c.client.SetBucketPolicy(ctx, c.bucket, readOnlyPolicy(c.bucket)); err != nil {
		return fmt.Errorf("media: set bucket policy: %w", err)
	}
	return nil
}

// PutCover uploads an image for articleID and returns its public URL.
func (c *Covers) PutCover(ctx context.Context, articleID string, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxCoverSize+1))
	if err != nil {
		return "", fmt.Errorf("media: read upload: %w", err)
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxCoverSize {
		return "", ErrTooLarge
	}
	contentType := http.DetectContentType(data)
	ext, ok := extensions[contentType]
	if !ok {
		return "", ErrUnsupportedType
	}

	name := ObjectName(articleID, ext)
	_, err = c.client.PutObject(ctx, c.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return "", fmt.Errorf("media: upload %s: %w", name, err)
	}
	c.logger.Info().Str("article_id", articleID).Str("object", name).Int("bytes", len(data)).Msg("cover uploaded")
	return c.URL(name), nil
}

func (c *Covers) URL(object string) string {
	return c.baseURL + "/" + object
}

// ObjectName is covers/<article>/<uuid><ext>. Every upload gets a new name
// so cached copies never go stale.
func ObjectName(articleID, ext string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, articleID)
	return path.Join("covers", safe, util.NewID("")+ext)
}

func readOnlyPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
}
