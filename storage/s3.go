package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/ruteri/stowage/interfaces"
)

// maxUploadParts is the S3 limit on parts per multipart upload.
const maxUploadParts = 10000

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PathStyle addresses the bucket in the path rather than the host name,
	// which MinIO and most self-hosted S3 implementations require.
	PathStyle bool
}

// S3Backend implements a storage backend using Amazon S3 or compatible services.
// Identifiers are object keys relative to the configured prefix.
type S3Backend struct {
	client         *s3.S3
	bucketName     string
	prefix         string
	log            *slog.Logger
	locationURI    string
	hasWriteAccess bool
}

// NewS3Backend creates a new S3 storage backend.
// If an access key and secret are provided they are used for every request;
// otherwise the SDK default credential chain applies.
func NewS3Backend(cfg S3Config, log *slog.Logger) (*S3Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: missing S3 bucket", interfaces.ErrInvalidLocationURI)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// Format the URI for tracking
	uri := fmt.Sprintf("s3://%s/%s?region=%s", cfg.Bucket, cfg.Prefix, cfg.Region)
	if cfg.Endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", cfg.Endpoint)
	}

	awsCfg := aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	hasWriteAccess := cfg.AccessKey != "" && cfg.SecretKey != ""
	if hasWriteAccess {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		log.Warn("No S3 credentials provided - falling back to the default credential chain",
			slog.String("bucket", cfg.Bucket))
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:         s3.New(sess),
		bucketName:     cfg.Bucket,
		prefix:         strings.Trim(cfg.Prefix, "/"),
		log:            log,
		locationURI:    uri,
		hasWriteAccess: hasWriteAccess,
	}, nil
}

// Exists issues a HEAD request for the object key.
func (b *S3Backend) Exists(ctx context.Context, id string) (bool, error) {
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.getObjectKey(id)),
	})
	if err != nil {
		classified := classifyS3Error(id, err)
		if errors.Is(classified, interfaces.ErrNotFound) {
			return false, nil
		}
		return false, classified
	}
	return true, nil
}

// Put streams src to S3 through the multipart uploader. A known size hint
// raises the part size so large objects stay within the part count limit.
func (b *S3Backend) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	start := time.Now()
	key := b.getObjectKey(id)

	uploader := s3manager.NewUploaderWithClient(b.client, func(u *s3manager.Uploader) {
		u.PartSize = partSizeFor(sizeHint)
	})

	_, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   src,
	})
	if err != nil {
		b.log.Error("Failed to upload object to S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		if !b.hasWriteAccess {
			return fmt.Errorf("upload without write credentials: %w", classifyS3Error(id, err))
		}
		return classifyS3Error(id, err)
	}

	b.log.Debug("Stored object in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// GetInto streams the object body into sink.
func (b *S3Backend) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	start := time.Now()
	key := b.getObjectKey(id)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, classifyS3Error(id, err)
	}
	defer result.Body.Close()

	n, err := io.Copy(sink, result.Body)
	if err != nil {
		b.log.Error("Failed to read object body",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return n, fmt.Errorf("%w: reading %s: %w", interfaces.ErrIo, id, err)
	}

	b.log.Debug("Fetched object from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int64("size", n),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

// Delete removes the object. S3 reports success for missing keys.
func (b *S3Backend) Delete(ctx context.Context, id string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.getObjectKey(id)),
	})
	if err != nil {
		classified := classifyS3Error(id, err)
		if errors.Is(classified, interfaces.ErrNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// List pages through ListObjectsV2, yielding one page at a time.
func (b *S3Backend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucketName),
			Prefix: aws.String(b.getObjectKey(prefix)),
		}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				key := aws.StringValue(obj.Key)
				id := b.idFromKey(key)
				if strings.HasSuffix(key, "/") || !strings.HasPrefix(id, prefix) {
					continue
				}
				if !yield(id, nil) {
					stopped = true
					return false
				}
			}
			return true
		})
		if err != nil && !stopped {
			yield("", classifyS3Error(prefix, err))
		}
	}
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

// getObjectKey generates an S3 object key for an id.
func (b *S3Backend) getObjectKey(id string) string {
	if b.prefix == "" {
		return id
	}
	if id == "" {
		return b.prefix + "/"
	}
	return path.Join(b.prefix, id)
}

func (b *S3Backend) idFromKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, b.prefix+"/")
}

// partSizeFor picks the smallest part size that fits sizeHint into the
// maximum number of parts.
func partSizeFor(sizeHint int64) int64 {
	if sizeHint <= 0 {
		return s3manager.DefaultUploadPartSize
	}
	size := sizeHint/maxUploadParts + 1
	if size < s3manager.MinUploadPartSize {
		return s3manager.MinUploadPartSize
	}
	return size
}

func classifyS3Error(id string, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.StatusCode() == http.StatusNotFound:
			return fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
		case reqErr.StatusCode() == http.StatusForbidden || reqErr.StatusCode() == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s: %v", interfaces.ErrPermissionDenied, id, err)
		case reqErr.StatusCode() >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s: %v", interfaces.ErrConnection, id, err)
		}
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %s: %v", interfaces.ErrPermissionDenied, id, err)
		case request.CanceledErrorCode:
			return fmt.Errorf("%s: %w", id, context.Canceled)
		case request.ErrCodeRequestError, request.ErrCodeResponseTimeout, "RequestTimeout":
			return fmt.Errorf("%w: %s: %v", interfaces.ErrConnection, id, err)
		}
	}

	return fmt.Errorf("s3 %s: %w", id, err)
}

var _ interfaces.Storage[string] = (*S3Backend)(nil)
