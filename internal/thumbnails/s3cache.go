package thumbnails

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"thirdcoast.systems/lumen/internal/config"
	"thirdcoast.systems/lumen/pkg/mediatype"
)

// manifestName marks a complete entry. It is written after every file.
const manifestName = ".complete"

// S3API is the subset of *s3.Client the cache uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Cache keeps sets under s3://{bucket}/{prefix}/{hash}/ so several hosts
// can share generated thumbnails.
type S3Cache struct {
	client S3API
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Cache wraps client.
func NewS3Cache(client S3API, bucket, prefix string, log *slog.Logger) *S3Cache {
	if log == nil {
		log = slog.Default()
	}
	return &S3Cache{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log.With("component", "thumbnail_cache", "bucket", bucket),
	}
}

// NewS3Client builds a client from the THUMBNAIL_CACHE_S3_* settings. A
// custom endpoint switches to path-style addressing for S3-compatible
// services.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	region := cfg.ThumbnailCacheS3Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.ThumbnailCacheS3Key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.ThumbnailCacheS3Key, cfg.ThumbnailCacheS3Secret, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ThumbnailCacheS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ThumbnailCacheS3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (c *S3Cache) key(hash, name string) string {
	if c.prefix == "" {
		return path.Join(hash, name)
	}
	return path.Join(c.prefix, hash, name)
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (c *S3Cache) Fetch(ctx context.Context, hash, dir string, names []string) (bool, error) {
	if err := validHash(hash); err != nil {
		return false, err
	}
	manifest, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(hash, manifestName)),
	})
	if isNoSuchKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("thumbnail cache manifest %s: %w", hash, err)
	}
	manifest.Body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	var total int64
	for _, name := range names {
		n, err := c.download(ctx, hash, name, filepath.Join(dir, name))
		if isNoSuchKey(err) {
			// Written under a different layout; regenerate.
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("thumbnail cache fetch %s/%s: %w", hash, name, err)
		}
		total += n
	}
	c.log.Debug("thumbnail cache hit", "hash", hash, "files", len(names), "size", humanize.Bytes(uint64(total)))
	return true, nil
}

func (c *S3Cache) download(ctx context.Context, hash, name, dst string) (int64, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(hash, name)),
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()
	cr := &countingReader{r: out.Body}
	if err := writeAtomic(dst, cr); err != nil {
		return 0, err
	}
	return cr.n, nil
}

func (c *S3Cache) Store(ctx context.Context, hash, dir string, names []string) error {
	if err := validHash(hash); err != nil {
		return err
	}
	for _, name := range names {
		if err := c.upload(ctx, hash, name, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("thumbnail cache store %s/%s: %w", hash, name, err)
		}
	}
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.key(hash, manifestName)),
		Body:        strings.NewReader(strings.Join(names, "\n")),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("thumbnail cache manifest %s: %w", hash, err)
	}
	c.log.Debug("thumbnail cache stored", "hash", hash, "files", len(names))
	return nil
}

func (c *S3Cache) upload(ctx context.Context, hash, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.key(hash, name)),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String(mediatype.ContentType(name)),
	})
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// NewCache returns the cache the configuration selects.
func NewCache(ctx context.Context, cfg *config.Config, log *slog.Logger) (Cache, error) {
	switch cfg.ThumbnailCacheBackend() {
	case "s3":
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Cache(client, cfg.ThumbnailCacheS3Bucket, cfg.ThumbnailCacheS3Prefix, log), nil
	case "local":
		return NewLocalCache(cfg.ThumbnailCacheDir, log), nil
	default:
		return NopCache{}, nil
	}
}
