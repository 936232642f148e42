package mailbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/mailbridge/source"
)

// MailboxReader owns one authenticated session for the duration of a
// request. The session is not reentrant, so every call that touches it
// takes a single weight-1 semaphore; waiting for it honours ctx.
type MailboxReader struct {
	session source.Session
	lock    *semaphore.Weighted
	server  string
	logger  *slog.Logger
}

// OpenReader dials endpoint and authenticates. The connect timeout covers
// both steps. Failures are *ConnectionError or *AuthError.
func OpenReader(ctx context.Context, dialer source.Dialer, endpoint source.Endpoint, username, password string, connectTimeout time.Duration, logger *slog.Logger) (*MailboxReader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	server := endpoint.Addr()
	sess, err := dialer.Dial(cctx, endpoint)
	if err != nil {
		return nil, &ConnectionError{Server: server, Err: err}
	}
	r := &MailboxReader{
		session: sess,
		lock:    semaphore.NewWeighted(1),
		server:  server,
		logger:  logger,
	}
	if err := sess.Authenticate(cctx, username, password); err != nil {
		_ = r.Close(ctx, connectTimeout)
		if errors.Is(err, source.ErrAuthFailed) || errors.Is(err, source.ErrNoAuthMechanism) {
			return nil, &AuthError{Username: username, Err: err}
		}
		return nil, &ConnectionError{Server: server, Err: err}
	}
	return r, nil
}

func (r *MailboxReader) acquire(ctx context.Context) error {
	return r.lock.Acquire(ctx, 1)
}

func (r *MailboxReader) release() {
	r.lock.Release(1)
}

// ListFolders lists every folder of the account.
func (r *MailboxReader) ListFolders(ctx context.Context) ([]source.FolderRef, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()
	refs, err := r.session.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("mailbridge: list folders: %w", err)
	}
	return refs, nil
}

// OpenFolder selects ref. Failures are *FolderError.
func (r *MailboxReader) OpenFolder(ctx context.Context, ref source.FolderRef, access source.Access) (*source.Folder, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()
	f, err := r.session.OpenFolder(ctx, ref, access)
	if err != nil {
		return nil, &FolderError{Folder: ref.Path, Err: err}
	}
	return f, nil
}

// FetchSummaries returns the summaries in rng, dated ones only, ordered
// newest first with ties broken by ascending UID.
func (r *MailboxReader) FetchSummaries(ctx context.Context, folder *source.Folder, rng source.Range) ([]source.Summary, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	sums, err := r.session.FetchSummaries(ctx, folder, rng)
	r.release()
	if err != nil {
		return nil, fmt.Errorf("mailbridge: fetch summaries of %q: %w", folder.Ref.Path, err)
	}
	return OrderSummaries(sums), nil
}

// FetchMessage downloads one message. Failures are *FetchError.
func (r *MailboxReader) FetchMessage(ctx context.Context, folder *source.Folder, uid uint32) (*source.FullMessage, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, &FetchError{UID: int64(uid), Err: err}
	}
	defer r.release()
	msg, err := r.session.FetchMessage(ctx, folder, uid)
	if err != nil {
		return nil, &FetchError{UID: int64(uid), Err: err}
	}
	return msg, nil
}

// Close logs out. It runs on a context detached from ctx's cancellation so
// teardown completes after the request has been cancelled.
func (r *MailboxReader) Close(ctx context.Context, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := r.lock.Acquire(tctx, 1); err != nil {
		return err
	}
	defer r.release()
	if err := r.session.Close(tctx); err != nil {
		r.logger.Warn("mailbox logout failed", "server", r.server, "error", err)
		return err
	}
	return nil
}

// OrderSummaries drops summaries without a date and sorts the rest by date
// descending, then UID ascending. The input slice is not modified.
func OrderSummaries(sums []source.Summary) []source.Summary {
	out := make([]source.Summary, 0, len(sums))
	for _, s := range sums {
		if !s.Date.IsZero() {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// FindFolder returns the folder whose leaf name equals name, or failing
// that, whose full path does. Matching is case-sensitive.
func FindFolder(refs []source.FolderRef, name string) (source.FolderRef, bool) {
	for _, ref := range refs {
		if ref.Name == name {
			return ref, true
		}
	}
	for _, ref := range refs {
		if ref.Path == name {
			return ref, true
		}
	}
	return source.FolderRef{}, false
}
