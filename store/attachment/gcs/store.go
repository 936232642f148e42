// Package gcs stores attachments in a Google Cloud Storage bucket.
//
// Objects are named <prefix>/<uid>/<fileName> and addressed by gs://bucket/key
// URIs. Writes carry a does-not-exist precondition, so a stored attachment is
// never replaced. A second upload of the same key reports a
// *store.ExistsError comparing the stored bytes with the upload.
package gcs

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/mailbridge/store"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	scheme = "gs"
	scope  = "https://www.googleapis.com/auth/devstorage.read_write"
)

// Store implements store.AttachmentFileStore on GCS.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New creates a GCS attachment store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}

	clientOpts, err := clientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w", err)
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}
	return &Store{client: client, bucket: o.bucket, prefix: o.prefix, logger: o.logger}, nil
}

// clientOptions builds explicit credentials when a key is configured and
// leaves discovery to Application Default Credentials otherwise.
func clientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if o.credentialsFile != "" || o.credentialsJSON != nil {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{scope},
			CredentialsFile: o.credentialsFile,
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	}
	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}
	return opts, nil
}

// Upload writes content under the key and returns its gs:// URI.
func (s *Store) Upload(ctx context.Context, key store.AttachmentKey, contentType string, content io.Reader) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	name := s.objectName(key)
	uri := store.ObjectURI(scheme, s.bucket, name)

	obj := s.client.Bucket(s.bucket).Object(name)
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), content); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		if preconditionFailed(err) {
			return "", store.CompareStored(uri, h.Sum(nil), func() (io.ReadCloser, error) {
				return obj.NewReader(ctx)
			})
		}
		return "", fmt.Errorf("gcs write %s: %w", name, err)
	}

	s.logger.Debug("attachment stored", "backend", scheme, "bucket", s.bucket, "key", name)
	return uri, nil
}

// Load opens the object behind uri. The caller closes the reader.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, name, err := store.ParseObjectURI(scheme, uri)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(name).NewReader(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, uri)
	case err != nil:
		return nil, fmt.Errorf("gcs read %s: %w", name, err)
	}
	return r, nil
}

// Delete removes the object behind uri.
func (s *Store) Delete(ctx context.Context, uri string) error {
	bucket, name, err := store.ParseObjectURI(scheme, uri)
	if err != nil {
		return err
	}
	err = s.client.Bucket(bucket).Object(name).Delete(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return fmt.Errorf("%w: %s", store.ErrNotFound, uri)
	case err != nil:
		return fmt.Errorf("gcs delete %s: %w", name, err)
	}
	s.logger.Debug("attachment deleted", "backend", scheme, "bucket", bucket, "key", name)
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) objectName(key store.AttachmentKey) string {
	return path.Join(s.prefix, key.Path())
}

func preconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
