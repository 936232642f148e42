package mailbridge

import (
	"context"
	"errors"
)

// ErrIteratorOutOfBounds is returned when Record() is called without a successful Next().
var ErrIteratorOutOfBounds = errors.New("mailbridge: iterator out of bounds - call Next() first")

// DefaultStreamBatchSize is the replay page size used by StreamReplay.
const DefaultStreamBatchSize = 100

// RecordIterator provides streaming access to the records of a topic, in
// publish order.
//
// The iterator holds no resources requiring cleanup; stop calling Next()
// when done. It is not safe for concurrent use.
//
// Example:
//
//	iter, _ := svc.StreamReplay(ctx, "", StreamOptions{BatchSize: 50})
//	for {
//	    hasNext, err := iter.Next(ctx)
//	    if err != nil || !hasNext {
//	        break
//	    }
//	    rec, _ := iter.Record()
//	    // process rec
//	}
type RecordIterator interface {
	// Next advances to the next record.
	// Returns (true, nil) if there is a record available.
	// Returns (false, nil) at the end of the topic.
	// Returns (false, error) if an error occurred (e.g., service disconnected, context cancelled).
	Next(ctx context.Context) (bool, error)

	// Record returns the current record.
	// Returns ErrIteratorOutOfBounds if called before Next() or after iteration ends.
	Record() (EmailRecord, error)
}

// StreamOptions configures streaming behavior.
type StreamOptions struct {
	// BatchSize is the number of topic entries read per replay page.
	// Capped by WithMaxPageSize. Default: 100
	BatchSize int
}

// batchFetchFunc reads the next batch. consumed counts every topic entry of
// the batch, including the ones that failed to decode.
type batchFetchFunc func(ctx context.Context) (records []EmailRecord, consumed int, err error)

// batchIterator walks consecutive replay pages.
type batchIterator struct {
	svc       *service
	fetch     batchFetchFunc
	batchSize int
	batch     []EmailRecord
	batchIdx  int
	done      bool
}

func (it *batchIterator) Next(ctx context.Context) (bool, error) {
	if it.done {
		return false, nil
	}

	// Verify service is still connected on each iteration
	if err := it.svc.checkAccess(); err != nil {
		it.done = true
		return false, err
	}

	for it.batchIdx >= len(it.batch) {
		records, consumed, err := it.fetch(ctx)
		if err != nil {
			it.done = true
			return false, err
		}
		it.batch = records
		it.batchIdx = 0

		// A short page is the end of the topic. A full page of undecodable
		// entries is not, so keep reading.
		if consumed < it.batchSize {
			if len(records) == 0 {
				it.done = true
				return false, nil
			}
			it.fetch = func(context.Context) ([]EmailRecord, int, error) { return nil, 0, nil }
		}
	}

	it.batchIdx++
	return true, nil
}

func (it *batchIterator) Record() (EmailRecord, error) {
	if it.batchIdx <= 0 || it.batchIdx > len(it.batch) {
		return EmailRecord{}, ErrIteratorOutOfBounds
	}
	return it.batch[it.batchIdx-1], nil
}

// StreamReplay returns an iterator over every record of the identity's
// topic. An empty identity means the service's own. Batches are replay
// pages, so a cursor store makes each batch resume where the last ended.
func (s *service) StreamReplay(ctx context.Context, identity string, opts StreamOptions) (RecordIterator, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultStreamBatchSize
	}
	batchSize = s.capPageSize(batchSize)

	it := &batchIterator{svc: s, batchSize: batchSize}
	pageNumber := 0
	it.fetch = func(ctx context.Context) ([]EmailRecord, int, error) {
		pageNumber++
		page, err := s.ListReplayPage(ctx, identity, pageNumber, batchSize)
		if err != nil {
			return nil, 0, err
		}
		return page.Records, len(page.Records) + page.Skipped, nil
	}
	return it, nil
}
