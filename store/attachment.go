package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// AttachmentKey identifies one stored attachment.
// The pair (UID, FileName) is unique within a normalized page because the
// normalizer disambiguates repeated file names inside a single message.
type AttachmentKey struct {
	// UID is the provider-assigned unique id of the owning message.
	UID int64
	// FileName is the sanitized attachment file name.
	FileName string
}

// Validate reports whether the key can be mapped to a storage path.
func (k AttachmentKey) Validate() error {
	if k.UID <= 0 {
		return fmt.Errorf("%w: uid must be positive", ErrInvalidKey)
	}
	if k.FileName == "" || k.FileName == "." || k.FileName == ".." {
		return fmt.Errorf("%w: empty file name", ErrInvalidKey)
	}
	if strings.ContainsAny(k.FileName, "/\\\x00") {
		return fmt.Errorf("%w: file name contains a path separator", ErrInvalidKey)
	}
	return nil
}

// Path returns the slash-separated relative path "<uid>/<fileName>".
func (k AttachmentKey) Path() string {
	return path.Join(strconv.FormatInt(k.UID, 10), k.FileName)
}

// AttachmentFileStore handles the actual file storage operations.
// Implementations exist for the local filesystem, S3 and GCS, plus caching
// and telemetry decorators.
type AttachmentFileStore interface {
	// Upload stores content under key and returns a URI for later retrieval.
	// The URI is returned only after the content is durably written.
	// Uploading to a key that already holds content fails with an
	// *ExistsError, which matches ErrAlreadyExists. Existing content is never
	// replaced.
	Upload(ctx context.Context, key AttachmentKey, contentType string, content io.Reader) (uri string, err error)

	// Load returns a reader for the attachment content.
	// Caller is responsible for closing the reader.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes the attachment file from storage.
	Delete(ctx context.Context, uri string) error
}

// ObjectURI formats the URI of an object in a bucket-addressed backend,
// e.g. ObjectURI("s3", "mail", "12/a.pdf") is "s3://mail/12/a.pdf".
func ObjectURI(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}

// ParseObjectURI splits a URI produced by ObjectURI. It returns
// ErrInvalidURI when the scheme does not match or bucket or key is empty.
func ParseObjectURI(scheme, uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not a %s uri", ErrInvalidURI, uri, scheme)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q has no bucket or key", ErrInvalidURI, uri)
	}
	return bucket, key, nil
}

// ExistsError reports an upload to a key that already holds content.
// Identical is set when the stored bytes equal the upload, in which case
// URI addresses content the caller can use as is.
type ExistsError struct {
	URI       string
	Identical bool
}

func (e *ExistsError) Error() string {
	if e.Identical {
		return fmt.Sprintf("%v: %s (identical content)", ErrAlreadyExists, e.URI)
	}
	return fmt.Sprintf("%v: %s", ErrAlreadyExists, e.URI)
}

func (e *ExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// Digest returns the SHA-256 of the rest of r.
func Digest(r io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// CompareStored builds the *ExistsError for key collisions: it reads the
// stored content from open and compares its digest with sum.
func CompareStored(uri string, sum []byte, open func() (io.ReadCloser, error)) error {
	rc, err := open()
	if err != nil {
		return fmt.Errorf("%w: %s: read stored content: %w", ErrAlreadyExists, uri, err)
	}
	defer rc.Close()
	stored, err := Digest(rc)
	if err != nil {
		return fmt.Errorf("%w: %s: read stored content: %w", ErrAlreadyExists, uri, err)
	}
	return &ExistsError{URI: uri, Identical: bytes.Equal(stored, sum)}
}
