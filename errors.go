package mailbridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rbaliyan/mailbridge/bus"
	"github.com/rbaliyan/mailbridge/content"
	"github.com/rbaliyan/mailbridge/source"
	"github.com/rbaliyan/mailbridge/store"
)

// Sentinel errors for the mailbridge package.
// Use errors.Is() to check for these errors.
var (
	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("mailbridge: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("mailbridge: %w", store.ErrAlreadyConnected)

	// ErrFolderNotFound is returned when the target folder does not exist.
	ErrFolderNotFound = errors.New("mailbridge: folder not found")

	// ErrDialerRequired is returned when no mail provider is configured.
	ErrDialerRequired = errors.New("mailbridge: dialer is required")

	// ErrBusRequired is returned when no message bus is configured.
	ErrBusRequired = errors.New("mailbridge: bus is required")

	// ErrCredentialsRequired is returned when no mailbox username is configured.
	ErrCredentialsRequired = errors.New("mailbridge: credentials are required")

	// ErrInvalidPage is returned for page numbers or sizes below 1.
	ErrInvalidPage = errors.New("mailbridge: invalid page")

	// ErrPartialPublish is returned when some records of a page failed to publish.
	ErrPartialPublish = errors.New("mailbridge: partial publish")
)

// ConnectionError is returned when the mail server cannot be reached.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mailbridge: connect to %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError is returned when the server rejects the credentials.
// The password is never part of the message.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mailbridge: authenticate %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FolderError is returned when a single folder cannot be opened.
type FolderError struct {
	Folder string
	Err    error
}

func (e *FolderError) Error() string {
	return fmt.Sprintf("mailbridge: folder %q: %v", e.Folder, e.Err)
}

func (e *FolderError) Unwrap() error { return e.Err }

// FetchError is returned when one message cannot be downloaded.
type FetchError struct {
	UID int64
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("mailbridge: fetch message %d: %v", e.UID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AttachmentDecodeError is returned when an attachment body cannot be read
// or decoded. The owning record fails as a whole.
type AttachmentDecodeError struct {
	UID      int64
	FileName string
	Err      error
}

func (e *AttachmentDecodeError) Error() string {
	return fmt.Sprintf("mailbridge: decode attachment %q of message %d: %v", e.FileName, e.UID, e.Err)
}

func (e *AttachmentDecodeError) Unwrap() error { return e.Err }

// PublishError is returned when one record cannot be appended to its topic.
type PublishError struct {
	Topic string
	UID   int64
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("mailbridge: publish message %d to %s: %v", e.UID, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// PartialPublishError reports which records of a page were published and
// which failed.
type PartialPublishError struct {
	Topic string
	// Published holds the unique ids that reached the topic, in page order.
	Published []int64
	// Failed maps unique ids to their publish errors.
	Failed map[int64]error
}

func (e *PartialPublishError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mailbridge: partial publish to %s - %d published, %d failed",
		e.Topic, len(e.Published), len(e.Failed))
	if len(e.Failed) > 0 {
		sb.WriteString(" (failed: ")
		const maxShown = 5
		for i, uid := range e.FailedIDs() {
			if i > 0 {
				sb.WriteString(", ")
			}
			if i >= maxShown {
				fmt.Fprintf(&sb, "...and %d more", len(e.Failed)-maxShown)
				break
			}
			fmt.Fprintf(&sb, "%d", uid)
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// Unwrap exposes ErrPartialPublish and every underlying publish error.
func (e *PartialPublishError) Unwrap() []error {
	errs := []error{ErrPartialPublish}
	for _, uid := range e.FailedIDs() {
		errs = append(errs, e.Failed[uid])
	}
	return errs
}

// FailedIDs returns the failed unique ids in ascending order.
func (e *PartialPublishError) FailedIDs() []int64 {
	ids := make([]int64, 0, len(e.Failed))
	for uid := range e.Failed {
		ids = append(ids, uid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllFailed returns true if no record reached the topic.
func (e *PartialPublishError) AllFailed() bool {
	return len(e.Published) == 0
}

// ValidationError describes an invalid request parameter.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mailbridge: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPage
}

// EventPublishError is returned when a lifecycle event fails to publish
// and event errors are configured as fatal. The operation itself succeeded.
type EventPublishError struct {
	Event string // The event name (e.g., "PagePublished")
	Topic string // The topic the event was for
	Err   error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("mailbridge: event %s publish failed for topic %s: %v", e.Event, e.Topic, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsPartialPublish checks if the error is a partial publish error and returns details.
func IsPartialPublish(err error) (*PartialPublishError, bool) {
	var ppe *PartialPublishError
	if errors.As(err, &ppe) {
		return ppe, true
	}
	return nil, false
}

// IsValidationError checks if the error is a validation error and returns details.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConnectionError reports whether err is a mail server connection failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsEventPublishError checks if the error is an event publish error and returns details.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}

// IsRetryableError determines if an error is retryable.
// Returns true for temporary/transient errors, false for permanent errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	permanentErrors := []error{
		ErrInvalidPage,
		ErrFolderNotFound,
		ErrDialerRequired,
		ErrBusRequired,
		ErrCredentialsRequired,
		source.ErrAuthFailed,
		source.ErrNoAuthMechanism,
		source.ErrMessageNotFound,
		bus.ErrInvalidTopic,
		bus.ErrClosed,
		content.ErrEncoding,
		content.ErrUnsupportedContentType,
		store.ErrInvalidKey,
		store.ErrAlreadyExists,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}
	if IsAuthError(err) {
		return false
	}

	// Unknown errors default to retryable; they are usually network or
	// broker hiccups.
	return true
}
