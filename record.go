package mailbridge

import (
	"encoding/json"
	"strings"
	"time"
)

// EmailAddress is one sender or recipient.
type EmailAddress struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
}

// Attachment describes one extracted file attachment.
type Attachment struct {
	FileName    string `json:"fileName"`
	StoragePath string `json:"storagePath"`
	// SizeBytes is the number of decoded bytes written to storage.
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
}

// EmailRecord is the normalized form of one message, as published to and
// replayed from a topic.
//
// The address and attachment slices are never nil, both after NewEmailRecord
// and after decoding from JSON.
type EmailRecord struct {
	// UniqueID is the provider-assigned id within the source folder.
	UniqueID          int64          `json:"uniqueId"`
	MessageID         string         `json:"messageId,omitempty"`
	To                []EmailAddress `json:"to"`
	From              []EmailAddress `json:"from"`
	Cc                []EmailAddress `json:"cc"`
	Bcc               []EmailAddress `json:"bcc"`
	Attachments       []Attachment   `json:"attachments"`
	Subject           string         `json:"subject"`
	Body              string         `json:"body"`
	Date              time.Time      `json:"date"`
	IsReply           bool           `json:"isReply"`
	IsForward         bool           `json:"isForward"`
	OriginalMessageID string         `json:"originalMessageId,omitempty"`
}

// NewEmailRecord returns a record with empty, non-nil collections.
func NewEmailRecord(uniqueID int64) *EmailRecord {
	r := &EmailRecord{UniqueID: uniqueID}
	r.fillEmpty()
	return r
}

func (r *EmailRecord) fillEmpty() {
	if r.To == nil {
		r.To = []EmailAddress{}
	}
	if r.From == nil {
		r.From = []EmailAddress{}
	}
	if r.Cc == nil {
		r.Cc = []EmailAddress{}
	}
	if r.Bcc == nil {
		r.Bcc = []EmailAddress{}
	}
	if r.Attachments == nil {
		r.Attachments = []Attachment{}
	}
}

// emailRecordJSON has the same fields without the custom methods.
type emailRecordJSON EmailRecord

// MarshalJSON encodes nil collections as empty arrays.
func (r EmailRecord) MarshalJSON() ([]byte, error) {
	r.fillEmpty()
	return json.Marshal(emailRecordJSON(r))
}

// UnmarshalJSON decodes a record and replaces absent or null collections
// with empty slices.
func (r *EmailRecord) UnmarshalJSON(data []byte) error {
	var v emailRecordJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = EmailRecord(v)
	r.fillEmpty()
	return nil
}

// IsForwardSubject reports whether subject, lower-cased, begins with "fw:"
// or "fwd:".
func IsForwardSubject(subject string) bool {
	s := strings.ToLower(subject)
	return strings.HasPrefix(s, "fw:") || strings.HasPrefix(s, "fwd:")
}

// FolderSummary is a snapshot of one folder's counters.
type FolderSummary struct {
	// ID is the full folder path.
	ID             string `json:"id"`
	Name           string `json:"name"`
	TotalMessages  int64  `json:"totalMessages"`
	UnreadMessages int64  `json:"unreadMessages"`
}

// Failure stages reported in RecordFailure.
const (
	StageFetch     = "fetch"
	StageNormalize = "normalize"
	StagePublish   = "publish"
)

// RecordFailure reports a message that could not be fetched, normalized or
// published.
type RecordFailure struct {
	UniqueID int64  `json:"uniqueId"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}

// InboundPage is the result of one produce run.
type InboundPage struct {
	RunID      string `json:"runId"`
	Topic      string `json:"topic"`
	PageNumber int    `json:"pageNumber"`
	PageSize   int    `json:"pageSize"`
	// Total is the number of dated messages in the folder.
	Total int `json:"total"`
	// Records holds every record that was normalized, in page order.
	Records  []EmailRecord   `json:"records"`
	Failures []RecordFailure `json:"failures"`
}

// ReplayPage is the result of one replay.
type ReplayPage struct {
	Topic      string        `json:"topic"`
	PageNumber int           `json:"pageNumber"`
	PageSize   int           `json:"pageSize"`
	Records    []EmailRecord `json:"records"`
	// Skipped counts in-window entries that could not be decoded.
	Skipped int `json:"skipped"`
}
