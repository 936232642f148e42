package mailbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rbaliyan/mailbridge/source"
	"github.com/rbaliyan/mailbridge/store"
)

const discardTimeout = 10 * time.Second

// Normalizer turns raw provider messages into EmailRecords, streaming file
// attachments into an attachment store on the way.
//
// It never touches the mail connection and is safe for concurrent use.
type Normalizer struct {
	files  store.AttachmentFileStore
	html   *bluemonday.Policy
	logger *slog.Logger
}

// NewNormalizer creates a normalizer. With a nil store, attachment bodies
// are decoded and counted but not kept, and StoragePath stays empty.
// A non-nil policy sanitizes HTML bodies.
func NewNormalizer(files store.AttachmentFileStore, policy *bluemonday.Policy, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{files: files, html: policy, logger: logger}
}

// Normalize parses msg and builds its record. Header values take
// precedence over the summary, which fills in what the headers lack.
//
// Attachments already stored with identical content under the same key are
// reused, so normalizing a message again is idempotent. When the record
// fails, the attachments this call stored are deleted again.
func (n *Normalizer) Normalize(ctx context.Context, sum source.Summary, msg *source.FullMessage) (_ *EmailRecord, err error) {
	uid := int64(sum.UID)
	var created []string
	defer func() {
		if err != nil {
			n.discard(ctx, uid, created)
		}
	}()

	rec := NewEmailRecord(uid)
	rec.Subject = sum.Subject
	rec.MessageID = strings.Trim(sum.MessageID, "<>")
	rec.Date = sum.Date
	rec.IsReply = sum.IsReply
	rec.OriginalMessageID = strings.ToLower(strings.TrimSpace(sum.InReplyTo))

	mr, err := mail.CreateReader(bytes.NewReader(msg.Raw))
	if err != nil && (mr == nil || !message.IsUnknownCharset(err)) {
		return nil, fmt.Errorf("mailbridge: parse message %d: %w", uid, err)
	}
	defer mr.Close()

	n.applyHeader(rec, &mr.Header)

	var text, html string
	names := make(map[string]bool)
	count := 0
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && (p == nil || !message.IsUnknownCharset(err)) {
			return nil, fmt.Errorf("mailbridge: parse message %d: %w", uid, err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct != "text/plain" && ct != "text/html" {
				continue
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("mailbridge: read body of message %d: %w", uid, err)
			}
			switch {
			case ct == "text/plain" && text == "" && strings.TrimSpace(string(body)) != "":
				text = string(body)
			case ct == "text/html" && html == "":
				html = string(body)
			}

		case *mail.AttachmentHeader:
			count++
			filename, _ := h.Filename()
			name := uniqueName(names, attachmentName(filename, count))
			ct, _, _ := h.ContentType()
			att, isNew, err := n.storeAttachment(ctx, uid, name, ct, p.Body)
			if err != nil {
				return nil, err
			}
			if isNew {
				created = append(created, att.StoragePath)
			}
			rec.Attachments = append(rec.Attachments, att)
		}
	}

	switch {
	case text != "":
		rec.Body = text
	case html != "" && n.html != nil:
		rec.Body = n.html.Sanitize(html)
	default:
		rec.Body = html
	}
	return rec, nil
}

func (n *Normalizer) applyHeader(rec *EmailRecord, h *mail.Header) {
	if s, err := h.Subject(); err == nil && s != "" {
		rec.Subject = s
	}
	if d, err := h.Date(); err == nil && !d.IsZero() {
		rec.Date = d
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		rec.MessageID = id
	}
	if v := strings.TrimSpace(h.Get("In-Reply-To")); v != "" {
		rec.OriginalMessageID = strings.ToLower(v)
	}
	rec.IsForward = IsForwardSubject(rec.Subject)

	rec.From = addressList(h, "From")
	rec.To = addressList(h, "To")
	rec.Cc = addressList(h, "Cc")
	rec.Bcc = addressList(h, "Bcc")
}

// storeAttachment uploads one attachment. isNew reports whether this call
// wrote the stored content.
func (n *Normalizer) storeAttachment(ctx context.Context, uid int64, name, contentType string, body io.Reader) (att Attachment, isNew bool, err error) {
	cr := &countingReader{r: body}
	att = Attachment{FileName: name, ContentType: contentType}

	if n.files == nil {
		if _, err := io.Copy(io.Discard, cr); err != nil {
			return att, false, &AttachmentDecodeError{UID: uid, FileName: name, Err: err}
		}
		att.SizeBytes = cr.n
		return att, false, nil
	}

	uri, err := n.files.Upload(ctx, store.AttachmentKey{UID: uid, FileName: name}, contentType, cr)
	if cr.err != nil {
		return att, false, &AttachmentDecodeError{UID: uid, FileName: name, Err: cr.err}
	}
	isNew = true
	if err != nil {
		var exists *store.ExistsError
		if !errors.As(err, &exists) || !exists.Identical {
			return att, false, fmt.Errorf("mailbridge: store attachment %q of message %d: %w", name, uid, err)
		}
		uri, isNew = exists.URI, false
	}
	att.StoragePath = uri
	att.SizeBytes = cr.n
	n.logger.Debug("stored attachment", "uid", uid, "file", name, "size", cr.n, "reused", !isNew)
	return att, isNew, nil
}

// discard deletes attachments stored for a record that failed. It runs even
// when ctx is already canceled.
func (n *Normalizer) discard(ctx context.Context, uid int64, uris []string) {
	if len(uris) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()
	for _, uri := range uris {
		if err := n.files.Delete(ctx, uri); err != nil {
			n.logger.Warn("failed to delete attachment of failed record", "uid", uid, "uri", uri, "error", err)
		}
	}
}

// addressList parses one address header. When the list as a whole does not
// parse, each comma-separated entry is tried on its own and the bad ones
// are dropped. Entries without a mailbox address are skipped.
func addressList(h *mail.Header, key string) []EmailAddress {
	out := []EmailAddress{}
	list, err := h.AddressList(key)
	if err != nil {
		list = nil
		raw := h.Get(key)
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if a, err := mail.ParseAddress(part); err == nil {
				list = append(list, a)
			}
		}
	}
	for _, a := range list {
		if a == nil || a.Address == "" {
			continue
		}
		out = append(out, EmailAddress{Address: a.Address, DisplayName: a.Name})
	}
	return out
}

// attachmentName strips any directory part of a declared file name and
// falls back to "attachment-<n>".
func attachmentName(filename string, n int) string {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimSpace(path.Base(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		return fmt.Sprintf("attachment-%d", n)
	}
	return name
}

// uniqueName returns name, or "base (k).ext" for the lowest k not used yet,
// and records the result in used. A name that already carries a " (k)"
// counter shares the counter sequence of its base, so a declared "a (1).txt"
// that collides continues as "a (2).txt" rather than "a (1) (1).txt".
func uniqueName(used map[string]bool, name string) string {
	if !used[name] {
		used[name] = true
		return name
	}
	ext := path.Ext(name)
	base := trimCounter(strings.TrimSuffix(name, ext))
	for k := 1; ; k++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, k, ext)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}

// trimCounter strips a trailing " (k)" with k made of digits.
func trimCounter(base string) string {
	i := strings.LastIndex(base, " (")
	if i <= 0 || !strings.HasSuffix(base, ")") {
		return base
	}
	digits := base[i+2 : len(base)-1]
	if digits == "" {
		return base
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return base
		}
	}
	return base[:i]
}

type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		c.err = err
	}
	return n, err
}
