// Package s3 stores attachments in an S3 bucket.
//
// Objects are keyed <prefix>/<uid>/<fileName> and addressed by
// s3://bucket/key URIs. Uploads go through the transfer manager, so large
// attachments are sent as multipart uploads. Writes are conditional on the
// key being absent (If-None-Match: *), so a stored object is never replaced;
// a second upload of a key reports a *store.ExistsError comparing the stored
// bytes with the upload.
package s3

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rbaliyan/mailbridge/store"
)

const scheme = "s3"

// Store implements store.AttachmentFileStore on S3.
type Store struct {
	client   *s3.Client
	uploader *transfermanager.Client
	bucket   string
	prefix   string
	logger   *slog.Logger
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New creates an S3 attachment store. ctx bounds credential resolution.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		region: DefaultRegion,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	cfg, err := loadConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.pathStyle
		}
	})

	return &Store{
		client:   client,
		uploader: transfermanager.New(client),
		bucket:   o.bucket,
		prefix:   o.prefix,
		logger:   o.logger,
	}, nil
}

// Upload writes content under the key and returns its s3:// URI.
func (s *Store) Upload(ctx context.Context, key store.AttachmentKey, contentType string, content io.Reader) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	objectKey := s.objectKey(key)
	uri := store.ObjectURI(scheme, s.bucket, objectKey)

	h := sha256.New()
	_, err := s.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        io.TeeReader(content, h),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if preconditionFailed(err) {
			return "", store.CompareStored(uri, h.Sum(nil), func() (io.ReadCloser, error) {
				return s.Load(ctx, uri)
			})
		}
		return "", fmt.Errorf("s3 upload %s: %w", objectKey, err)
	}

	s.logger.Debug("attachment stored", "backend", scheme, "bucket", s.bucket, "key", objectKey)
	return uri, nil
}

// Load opens the object behind uri. The caller closes the reader.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := store.ParseObjectURI(scheme, uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, uri)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete removes the object behind uri.
func (s *Store) Delete(ctx context.Context, uri string) error {
	bucket, key, err := store.ParseObjectURI(scheme, uri)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	s.logger.Debug("attachment deleted", "backend", scheme, "bucket", bucket, "key", key)
	return nil
}

func preconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func (s *Store) objectKey(key store.AttachmentKey) string {
	return path.Join(s.prefix, key.Path())
}
