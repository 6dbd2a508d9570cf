// Package remote stores snapshot stream files in S3 compatible object storage.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	metaBlake3 = "blake3"
	objectTags = "app=brb"
	partSize   = 64 * 1024 * 1024
)

var (
	ErrArchiveClass = errors.New("storage class is not immediately accessible")
	ErrOptions      = errors.New("invalid S3 options")
)

type ObjectInfo struct {
	Size   int64
	Blake3 string
}

// Backend stores snapshot files under keys relative to a prefix.
type Backend interface {
	Upload(ctx context.Context, localPath, key, blake3 string) error
	Download(ctx context.Context, key, localPath string) error
	// Head returns nil without error when the object does not exist.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context) ([]string, error)
	VerifyCredentials(ctx context.Context) error
}

type Options struct {
	Bucket       string
	Region       string
	Prefix       string
	Endpoint     string
	StorageClass types.StorageClass
	MaxAttempts  int
}

func (o Options) validate() error {
	switch {
	case o.Bucket == "":
		return fmt.Errorf("%w: bucket is required", ErrOptions)
	case o.Region == "":
		return fmt.Errorf("%w: region is required", ErrOptions)
	case o.StorageClass == "":
		return fmt.Errorf("%w: storage class is required", ErrOptions)
	}
	return nil
}

// prefix is the key prefix with exactly one trailing slash, or empty.
func (o Options) prefix() string {
	p := strings.Trim(o.Prefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

type S3 struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	storageClass types.StorageClass
}

func NewS3(ctx context.Context, opts Options) (*S3, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	slog.Debug("S3 client ready", "bucket", opts.Bucket, "endpoint", opts.Endpoint, "storageClass", opts.StorageClass)

	return &S3{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
		}),
		bucket:       opts.Bucket,
		prefix:       opts.prefix(),
		storageClass: opts.StorageClass,
	}, nil
}

func loadConfig(ctx context.Context, opts Options) (aws.Config, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.MaxAttempts > 0 {
		loaders = append(loaders,
			awsconfig.WithRetryMaxAttempts(opts.MaxAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}
	// Custom endpoints (MinIO, Garage, ...) are usually configured through
	// the plain key pair only.
	if opts.Endpoint != "" {
		key, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if key != "" && secret != "" {
			loaders = append(loaders, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(key, secret, ""),
			))
		}
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

func (s *S3) key(name string) string {
	return s.prefix + path.Clean(strings.TrimLeft(name, "/"))
}

// Upload stores the file at localPath under key, recording its BLAKE3 digest
// in the object metadata.
func (s *S3) Upload(ctx context.Context, localPath, key, blake3 string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	k := s.key(key)
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(k),
		Body:         f,
		StorageClass: s.storageClass,
		Tagging:      aws.String(objectTags),
		Metadata:     map[string]string{metaBlake3: blake3},
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", k, err)
	}
	slog.Info("Uploaded to S3", "bucket", s.bucket, "key", k)
	return nil
}

// Download streams the object into localPath. The file only appears under
// its final name once the whole object has been written.
func (s *S3) Download(ctx context.Context, key, localPath string) (err error) {
	k := s.key(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", k, err)
	}
	defer out.Body.Close()

	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	n, err := io.Copy(f, out.Body)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", k, err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, localPath); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", tmp, err)
	}
	slog.Info("Downloaded from S3", "bucket", s.bucket, "key", k, "bytes", n)
	return nil
}

func (s *S3) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	k := s.key(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	var notFound *types.NotFound
	switch {
	case errors.As(err, &notFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to inspect %s: %w", k, err)
	}
	return &ObjectInfo{
		Size:   aws.ToInt64(out.ContentLength),
		Blake3: out.Metadata[metaBlake3],
	}, nil
}

// List returns the keys directly below the prefix, relative to it.
func (s *S3) List(ctx context.Context) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			if k := relativeKey(s.prefix, aws.ToString(obj.Key)); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

func relativeKey(prefix, key string) string {
	rel, ok := strings.CutPrefix(key, prefix)
	if !ok || strings.Contains(rel, "/") {
		return ""
	}
	return rel
}

func (s *S3) VerifyCredentials(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to access bucket %s: %w", s.bucket, err)
	}
	slog.Info("S3 bucket accessible", "bucket", s.bucket)
	return nil
}

// CheckStorageClass rejects archive classes. Objects stored in them need a
// restore request before they can be fetched again.
func CheckStorageClass(class types.StorageClass) error {
	switch class {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
		return fmt.Errorf("%w: %s requires a restore request", ErrArchiveClass, class)
	}
	return nil
}

var _ Backend = (*S3)(nil)
