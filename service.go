package mailbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/mailbridge/source"
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Service bridges one mailbox account to a message bus.
//
// Every request opens its own mailbox session and tears it down before
// returning, so requests share no connection state.
type Service interface {
	ServiceHealth

	// Connect prepares the cursor store and the event bus.
	Connect(ctx context.Context) error
	// Close waits for in-flight requests and releases resources.
	Close(ctx context.Context) error

	// ListInboundPage reads one page of the target folder, normalizes it
	// and publishes every record to the identity's topic in page order.
	ListInboundPage(ctx context.Context, pageNumber, pageSize int) (*InboundPage, error)
	// ListReplayPage reads one page of previously published records back
	// from the topic of identity. An empty identity means the service's own.
	ListReplayPage(ctx context.Context, identity string, pageNumber, pageSize int) (*ReplayPage, error)
	// ListFoldersWithDetails returns counters for every selectable folder.
	// Folders that fail to open are logged and left out.
	ListFoldersWithDetails(ctx context.Context) ([]FolderSummary, error)
	// StreamReplay iterates every record of the identity's topic in
	// replay pages of opts.BatchSize.
	StreamReplay(ctx context.Context, identity string, opts StreamOptions) (RecordIterator, error)

	// Identity returns the configured identity.
	Identity() string
	// Events returns per-service event instances for subscribing.
	Events() *ServiceEvents
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	opts       *options
	logger     *slog.Logger
	state      int32 // stateDisconnected, stateConnecting, or stateConnected
	otel       *otelInstrumentation
	reqSem     *semaphore.Weighted // Limits in-flight requests; Close drains it
	normalizer *Normalizer
	publisher  *Publisher
	replay     *ReplayConsumer
	plugins    *pluginRegistry
	eventBus   *event.Bus
	events     *ServiceEvents
}

// NewService creates a new mailbridge service.
// Call Connect() before serving requests.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.dialer == nil {
		return nil, ErrDialerRequired
	}
	if o.bus == nil {
		return nil, ErrBusRequired
	}
	if o.username == "" {
		return nil, ErrCredentialsRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	return &service{
		opts:       o,
		logger:     o.logger,
		otel:       otelInstr,
		reqSem:     semaphore.NewWeighted(int64(o.maxConcurrentRequests)),
		normalizer: NewNormalizer(o.attachments, o.htmlPolicy, o.logger),
		publisher:  NewPublisher(o.bus, o.retry, o.logger),
		replay:     NewReplayConsumer(o.bus, o.registry, o.cursors, o.logger),
		plugins:    plugins,
	}, nil
}

func (s *service) Identity() string { return s.opts.identity }

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect prepares the cursor store and event bus.
func (s *service) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if s.opts.cursors != nil {
		if err := s.opts.cursors.Connect(ctx); err != nil {
			return fmt.Errorf("connect cursor store: %w", err)
		}
	}

	if err := s.plugins.initAll(ctx); err != nil {
		if s.opts.cursors != nil {
			_ = s.opts.cursors.Close(ctx)
		}
		return fmt.Errorf("init plugins: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		_ = s.plugins.closeAll(ctx)
		if s.opts.cursors != nil {
			_ = s.opts.cursors.Close(ctx)
		}
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("mailbridge service connected", "identity", s.opts.identity, "folder", s.opts.folder)
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this service's event bus and registers its events.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "mailbridge"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	return nil
}

// Close waits for in-flight requests, then closes the event bus and cursor store.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// New requests fail checkAccess from here on; acquiring every slot waits
	// for the ones already running.
	s.logger.Info("waiting for in-flight requests to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.reqSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentRequests)); err != nil {
		s.logger.Warn("timeout waiting for in-flight requests, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.reqSem.Release(int64(s.opts.maxConcurrentRequests))
		s.logger.Info("all in-flight requests completed")
	}

	if s.eventBus != nil {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if s.opts.cursors != nil {
		if err := s.opts.cursors.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close cursor store: %w", err))
		}
	}

	return errors.Join(errs...)
}

// checkAccess returns ErrNotConnected unless the service is connected.
func (s *service) checkAccess() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// begin admits one request. The returned func must be called when done.
func (s *service) begin(ctx context.Context) (func(), error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if err := s.reqSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.reqSem.Release(1) }, nil
}

func (s *service) capPageSize(pageSize int) int {
	if pageSize > s.opts.maxPageSize {
		return s.opts.maxPageSize
	}
	return pageSize
}

func (s *service) openReader(ctx context.Context) (*MailboxReader, error) {
	return OpenReader(ctx, s.opts.dialer, s.opts.endpoint, s.opts.username, s.opts.password, s.opts.connectTimeout, s.logger)
}

func (s *service) closeReader(ctx context.Context, r *MailboxReader) {
	if err := r.Close(ctx, s.opts.connectTimeout); err != nil {
		s.logger.Warn("mailbox session teardown failed", "error", err)
	}
}

// fetchResult is the outcome of fetching and normalizing one summary.
type fetchResult struct {
	uid   int64
	rec   *EmailRecord
	stage string
	err   error
}

// connectionLost returns the first error when every result failed to fetch
// because the session dropped. A page like that is a mailbox outage, not a
// set of unreadable messages.
func connectionLost(results []fetchResult) error {
	if len(results) == 0 {
		return nil
	}
	for _, r := range results {
		if r.err == nil || r.stage != StageFetch || !source.IsConnectionLost(r.err) {
			return nil
		}
	}
	return results[0].err
}

// ListInboundPage reads, normalizes and publishes one page.
func (s *service) ListInboundPage(ctx context.Context, pageNumber, pageSize int) (page *InboundPage, err error) {
	pageSize = s.capPageSize(pageSize)
	if err := validatePage(pageNumber, pageSize); err != nil {
		return nil, err
	}
	done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	runID := uuid.NewString()
	topic := DeriveTopic(s.opts.identity)
	logger := s.logger.With("run_id", runID, "topic", topic)

	ctx, endSpan := s.otel.startSpan(ctx, "mailbridge.inbound",
		attribute.String("topic", topic),
		attribute.Int("page_number", pageNumber),
		attribute.Int("page_size", pageSize),
	)
	start := time.Now()
	published, failed := 0, 0
	defer func() {
		endSpan(err)
		s.otel.recordInbound(ctx, time.Since(start), topic, published, failed, err)
	}()

	reader, err := s.openReader(ctx)
	if err != nil {
		return nil, err
	}
	defer s.closeReader(ctx, reader)

	refs, err := reader.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	ref, ok := FindFolder(refs, s.opts.folder)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFolderNotFound, s.opts.folder)
	}
	folder, err := reader.OpenFolder(ctx, ref, source.ReadOnly)
	if err != nil {
		return nil, err
	}
	sums, err := reader.FetchSummaries(ctx, folder, source.All)
	if err != nil {
		return nil, err
	}
	w, err := NewWindow(pageNumber, pageSize, len(sums))
	if err != nil {
		return nil, err
	}

	page = &InboundPage{
		RunID:      runID,
		Topic:      topic,
		PageNumber: pageNumber,
		PageSize:   pageSize,
		Total:      len(sums),
		Records:    []EmailRecord{},
		Failures:   []RecordFailure{},
	}
	if w.Empty() {
		return page, nil
	}

	results := s.fetchWindow(ctx, reader, folder, sums[w.Start:w.End])
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := connectionLost(results); err != nil {
		logger.Error("mailbox connection lost", "error", err)
		return nil, &ConnectionError{Server: reader.server, Err: err}
	}

	// Publish in page order regardless of fetch completion order.
	ppe := &PartialPublishError{Topic: topic, Failed: map[int64]error{}}
	for _, r := range results {
		if r.err != nil {
			logger.Warn("skipping message", "uid", r.uid, "stage", r.stage, "error", r.err)
			page.Failures = append(page.Failures, RecordFailure{UniqueID: r.uid, Stage: r.stage, Error: r.err.Error()})
			failed++
			continue
		}
		hookErr := s.plugins.beforePublish(ctx, topic, r.rec)
		page.Records = append(page.Records, *r.rec)
		if hookErr != nil {
			logger.Warn("record rejected by plugin", "uid", r.uid, "error", hookErr)
			page.Failures = append(page.Failures, RecordFailure{UniqueID: r.uid, Stage: StagePublish, Error: hookErr.Error()})
			ppe.Failed[r.uid] = hookErr
			failed++
			continue
		}
		offset, err := s.publisher.Publish(ctx, topic, r.rec)
		if err != nil {
			logger.Error("publish failed", "uid", r.uid, "error", err)
			page.Failures = append(page.Failures, RecordFailure{UniqueID: r.uid, Stage: StagePublish, Error: err.Error()})
			ppe.Failed[r.uid] = err
			failed++
			continue
		}
		ppe.Published = append(ppe.Published, r.uid)
		published++
		if err := s.plugins.afterPublish(ctx, topic, r.rec, offset); err != nil {
			logger.Warn("after-publish hook failed", "uid", r.uid, "error", err)
		}
	}

	logger.Info("inbound page published", "page", pageNumber, "published", published, "failed", failed)
	evErr := emit(ctx, s.opts, s.events.PagePublished, "PagePublished", topic, PagePublishedEvent{
		RunID:       runID,
		Topic:       topic,
		PageNumber:  pageNumber,
		PageSize:    pageSize,
		Published:   published,
		Failed:      failed,
		PublishedAt: time.Now().UTC(),
	})

	if len(ppe.Failed) > 0 {
		return page, ppe
	}
	return page, evErr
}

// fetchWindow fetches and normalizes sums concurrently and returns results
// indexed like sums. Network calls serialize on the reader; parsing and
// attachment writes overlap.
func (s *service) fetchWindow(ctx context.Context, reader *MailboxReader, folder *source.Folder, sums []source.Summary) []fetchResult {
	results := make([]fetchResult, len(sums))
	sem := semaphore.NewWeighted(int64(s.opts.maxConcurrentFetches))
	var wg sync.WaitGroup

	for i, sum := range sums {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(sums); j++ {
				results[j] = fetchResult{uid: int64(sums[j].UID), stage: StageFetch, err: err}
			}
			break
		}
		wg.Add(1)
		go func(i int, sum source.Summary) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.buildRecord(ctx, reader, folder, sum)
		}(i, sum)
	}
	wg.Wait()
	return results
}

func (s *service) buildRecord(ctx context.Context, reader *MailboxReader, folder *source.Folder, sum source.Summary) fetchResult {
	uid := int64(sum.UID)
	if err := ctx.Err(); err != nil {
		return fetchResult{uid: uid, stage: StageFetch, err: err}
	}
	msg, err := reader.FetchMessage(ctx, folder, sum.UID)
	if err != nil {
		return fetchResult{uid: uid, stage: StageFetch, err: err}
	}
	rec, err := s.normalizer.Normalize(ctx, sum, msg)
	if err != nil {
		return fetchResult{uid: uid, stage: StageNormalize, err: err}
	}
	return fetchResult{uid: uid, rec: rec}
}

// ListReplayPage replays one page from the identity's topic.
func (s *service) ListReplayPage(ctx context.Context, identity string, pageNumber, pageSize int) (page *ReplayPage, err error) {
	pageSize = s.capPageSize(pageSize)
	w, err := pageWindow(pageNumber, pageSize)
	if err != nil {
		return nil, err
	}
	done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	if identity == "" {
		identity = s.opts.identity
	}
	topic := DeriveTopic(identity)

	ctx, endSpan := s.otel.startSpan(ctx, "mailbridge.replay",
		attribute.String("topic", topic),
		attribute.Int("page_number", pageNumber),
		attribute.Int("page_size", pageSize),
	)
	start := time.Now()
	returned := 0
	defer func() {
		endSpan(err)
		s.otel.recordReplay(ctx, time.Since(start), topic, returned, err)
	}()

	res, err := s.replay.Consume(ctx, topic, w)
	page = &ReplayPage{
		Topic:      topic,
		PageNumber: pageNumber,
		PageSize:   pageSize,
		Records:    res.Records,
		Skipped:    res.Skipped,
	}
	returned = len(page.Records)
	if err != nil {
		return page, err
	}

	if evErr := emit(ctx, s.opts, s.events.PageReplayed, "PageReplayed", topic, PageReplayedEvent{
		Topic:      topic,
		PageNumber: pageNumber,
		PageSize:   pageSize,
		Returned:   returned,
		ReplayedAt: time.Now().UTC(),
	}); evErr != nil {
		return page, evErr
	}
	return page, nil
}

// ListFoldersWithDetails opens every selectable folder read-only and
// reports its counters.
func (s *service) ListFoldersWithDetails(ctx context.Context) (folders []FolderSummary, err error) {
	done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	ctx, endSpan := s.otel.startSpan(ctx, "mailbridge.folders")
	start := time.Now()
	skipped := 0
	defer func() {
		endSpan(err)
		s.otel.recordFolders(ctx, time.Since(start), skipped, err)
	}()

	reader, err := s.openReader(ctx)
	if err != nil {
		return nil, err
	}
	defer s.closeReader(ctx, reader)

	refs, err := reader.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	folders = []FolderSummary{}
	for _, ref := range refs {
		if !ref.Selectable {
			continue
		}
		f, err := reader.OpenFolder(ctx, ref, source.ReadOnly)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			skipped++
			s.logger.Warn("skipping folder", "folder", ref.Path, "error", err)
			if evErr := emit(ctx, s.opts, s.events.FolderSkipped, "FolderSkipped", "", FolderSkippedEvent{
				Folder:    ref.Path,
				Error:     err.Error(),
				SkippedAt: time.Now().UTC(),
			}); evErr != nil {
				return folders, evErr
			}
			continue
		}
		folders = append(folders, FolderSummary{
			ID:             ref.Path,
			Name:           ref.Name,
			TotalMessages:  int64(f.Total),
			UnreadMessages: int64(f.Unread),
		})
	}
	return folders, nil
}
