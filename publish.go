package mailbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbridge/bus"
	"github.com/rbaliyan/mailbridge/content"
	"github.com/rbaliyan/mailbridge/retry"
)

// RecordSchema is written to the schema header of every published record.
const RecordSchema = "mailbridge.email-record.v1"

// Publisher encodes records and appends them to topics.
type Publisher struct {
	bus    bus.Publisher
	retry  retry.Config
	logger *slog.Logger
}

// NewPublisher creates a publisher. Retryable bus errors are retried
// according to cfg; IsRetryableError is used when cfg.IsRetryable is nil.
func NewPublisher(p bus.Publisher, cfg retry.Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsRetryableError
	}
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
			logger.Warn("retrying publish", "attempt", attempt, "backoff", backoff, "error", err)
		}
	}
	return &Publisher{bus: p, retry: cfg, logger: logger}
}

// Publish appends rec to the sanitized topic as one JSON message carrying
// content_type and schema headers. Failures are *PublishError.
func (p *Publisher) Publish(ctx context.Context, topic string, rec *EmailRecord) (bus.Offset, error) {
	topic = SanitizeTopic(topic)
	data, err := json.Marshal(rec)
	if err != nil {
		return "", &PublishError{Topic: topic, UID: rec.UniqueID, Err: err}
	}
	payload, headers, err := content.Encode(content.JSON, data, content.WithSchema(RecordSchema))
	if err != nil {
		return "", &PublishError{Topic: topic, UID: rec.UniqueID, Err: err}
	}

	offset, err := retry.DoWithResult(ctx, p.retry, func(ctx context.Context) (bus.Offset, error) {
		return p.bus.Publish(ctx, topic, payload, headers)
	})
	if err != nil {
		return "", &PublishError{Topic: topic, UID: rec.UniqueID, Err: err}
	}
	p.logger.Debug("published record", "topic", topic, "uid", rec.UniqueID, "offset", offset)
	return offset, nil
}

// decodeRecord reverses Publish for one bus message.
func decodeRecord(msg bus.Message, registry *content.Registry) (EmailRecord, error) {
	var rec EmailRecord
	data, err := content.Decode(content.Headers(msg.Headers), msg.Payload, registry)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}
