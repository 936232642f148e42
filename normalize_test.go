package mailbridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/rbaliyan/mailbridge/source"
	"github.com/rbaliyan/mailbridge/store"
	"github.com/rbaliyan/mailbridge/store/attachment/local"
)

const multipartMessage = "From: \"Carol\" <carol@example.com>\r\n" +
	"To: Alice <alice@example.com>, not-an-address\r\n" +
	"Cc: dave@example.com\r\n" +
	"Subject: Fwd: invoices\r\n" +
	"Date: Mon, 03 Mar 2025 10:00:00 +0000\r\n" +
	"Message-ID: <inv-1@example.com>\r\n" +
	"In-Reply-To:  <ORIG-9@Example.COM> \r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>see attached</p>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aGVsbG8=\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"../../invoice.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"d29ybGQh\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Disposition: attachment\r\n" +
	"\r\n" +
	"raw\r\n" +
	"--XYZ--\r\n"

func TestNormalizeMultipart(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	files, err := local.New(root)
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	n := NewNormalizer(files, nil, discardLogger())

	sum := source.Summary{UID: 17, Subject: "summary subject", IsReply: false}
	rec, err := n.Normalize(ctx, sum, &source.FullMessage{UID: 17, Raw: []byte(multipartMessage)})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	t.Run("headers", func(t *testing.T) {
		if rec.UniqueID != 17 {
			t.Errorf("UniqueID = %d", rec.UniqueID)
		}
		if rec.Subject != "Fwd: invoices" {
			t.Errorf("Subject = %q", rec.Subject)
		}
		if !rec.IsForward || rec.IsReply {
			t.Errorf("IsForward = %v, IsReply = %v", rec.IsForward, rec.IsReply)
		}
		if rec.MessageID != "inv-1@example.com" {
			t.Errorf("MessageID = %q", rec.MessageID)
		}
		if rec.OriginalMessageID != "<orig-9@example.com>" {
			t.Errorf("OriginalMessageID = %q", rec.OriginalMessageID)
		}
		if want := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC); !rec.Date.Equal(want) {
			t.Errorf("Date = %v", rec.Date)
		}
	})

	t.Run("addresses", func(t *testing.T) {
		if len(rec.From) != 1 || rec.From[0] != (EmailAddress{Address: "carol@example.com", DisplayName: "Carol"}) {
			t.Errorf("From = %+v", rec.From)
		}
		if len(rec.To) != 1 || rec.To[0].Address != "alice@example.com" {
			t.Errorf("To = %+v, want only the parsable entry", rec.To)
		}
		if len(rec.Cc) != 1 || rec.Cc[0].Address != "dave@example.com" || rec.Cc[0].DisplayName != "" {
			t.Errorf("Cc = %+v", rec.Cc)
		}
		if rec.Bcc == nil || len(rec.Bcc) != 0 {
			t.Errorf("Bcc = %#v, want empty", rec.Bcc)
		}
	})

	t.Run("plain body preferred", func(t *testing.T) {
		if strings.TrimSpace(rec.Body) != "see attached" {
			t.Errorf("Body = %q", rec.Body)
		}
	})

	t.Run("attachments", func(t *testing.T) {
		want := []struct {
			name string
			size int64
			data string
		}{
			{"invoice.pdf", 5, "hello"},
			{"invoice (1).pdf", 6, "world!"},
			{"attachment-3", 3, "raw"},
		}
		if len(rec.Attachments) != len(want) {
			t.Fatalf("got %d attachments, want %d", len(rec.Attachments), len(want))
		}
		for i, w := range want {
			a := rec.Attachments[i]
			if a.FileName != w.name || a.SizeBytes != w.size {
				t.Errorf("attachment %d = %+v, want name %q size %d", i, a, w.name, w.size)
			}
			if a.StoragePath == "" {
				t.Errorf("attachment %d has no storage path", i)
			}
			data, err := os.ReadFile(filepath.Join(root, "17", w.name))
			if err != nil {
				t.Errorf("read stored %s: %v", w.name, err)
				continue
			}
			if string(data) != w.data {
				t.Errorf("stored %s = %q, want %q", w.name, data, w.data)
			}
		}
		if rec.Attachments[0].ContentType != "application/pdf" {
			t.Errorf("ContentType = %q", rec.Attachments[0].ContentType)
		}
	})
}

func TestNormalizeHTMLOnly(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Subject: Re: hi\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>hi</p><script>alert(1)</script>"
	msg := &source.FullMessage{UID: 2, Raw: []byte(raw)}
	date := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	sum := source.Summary{UID: 2, Date: date, IsReply: true, MessageID: "<sum@example.com>"}

	t.Run("raw", func(t *testing.T) {
		rec, err := NewNormalizer(nil, nil, discardLogger()).Normalize(context.Background(), sum, msg)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if !strings.Contains(rec.Body, "<script>") {
			t.Errorf("Body = %q, want unsanitized html", rec.Body)
		}
		if !rec.IsReply || rec.IsForward {
			t.Errorf("IsReply = %v, IsForward = %v", rec.IsReply, rec.IsForward)
		}
		if !rec.Date.Equal(date) {
			t.Errorf("Date = %v, want summary date", rec.Date)
		}
		if rec.MessageID != "sum@example.com" {
			t.Errorf("MessageID = %q, want summary fallback", rec.MessageID)
		}
	})

	t.Run("sanitized", func(t *testing.T) {
		rec, err := NewNormalizer(nil, bluemonday.UGCPolicy(), discardLogger()).Normalize(context.Background(), sum, msg)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if strings.Contains(rec.Body, "script") || !strings.Contains(rec.Body, "<p>hi</p>") {
			t.Errorf("Body = %q", rec.Body)
		}
	})
}

func TestNormalizeAttachmentErrors(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Content-Type: multipart/mixed; boundary=B\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"x\r\n" +
		"--B\r\n" +
		"Content-Disposition: attachment; filename=bad.bin\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"!!!!not base64!!!!\r\n" +
		"--B--\r\n"
	msg := &source.FullMessage{UID: 5, Raw: []byte(raw)}

	t.Run("decode error without store", func(t *testing.T) {
		_, err := NewNormalizer(nil, nil, discardLogger()).Normalize(context.Background(), source.Summary{UID: 5}, msg)
		var ade *AttachmentDecodeError
		if !errors.As(err, &ade) {
			t.Fatalf("error = %v, want AttachmentDecodeError", err)
		}
		if ade.UID != 5 || ade.FileName != "bad.bin" {
			t.Errorf("AttachmentDecodeError = %+v", ade)
		}
	})

	t.Run("decode error with store", func(t *testing.T) {
		files, err := local.New(t.TempDir())
		if err != nil {
			t.Fatalf("local.New: %v", err)
		}
		_, err = NewNormalizer(files, nil, discardLogger()).Normalize(context.Background(), source.Summary{UID: 5}, msg)
		var ade *AttachmentDecodeError
		if !errors.As(err, &ade) {
			t.Fatalf("error = %v, want AttachmentDecodeError", err)
		}
	})
}

func TestNormalizeReusesIdenticalAttachments(t *testing.T) {
	ctx := context.Background()
	files, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	n := NewNormalizer(files, nil, discardLogger())
	msg := &source.FullMessage{UID: 17, Raw: []byte(multipartMessage)}

	first, err := n.Normalize(ctx, source.Summary{UID: 17}, msg)
	if err != nil {
		t.Fatalf("first Normalize: %v", err)
	}
	second, err := n.Normalize(ctx, source.Summary{UID: 17}, msg)
	if err != nil {
		t.Fatalf("second Normalize: %v", err)
	}
	for i := range first.Attachments {
		if first.Attachments[i] != second.Attachments[i] {
			t.Errorf("attachment %d = %+v, want %+v", i, second.Attachments[i], first.Attachments[i])
		}
	}

	// Same uid and file name with other bytes must not be masked.
	changed := strings.Replace(multipartMessage, "aGVsbG8=", "Y2hhbmdlZA==", 1)
	_, err = n.Normalize(ctx, source.Summary{UID: 17}, &source.FullMessage{UID: 17, Raw: []byte(changed)})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("Normalize with changed content error = %v, want ErrAlreadyExists", err)
	}
}

func TestNormalizeDiscardsAttachmentsOfFailedRecord(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Content-Type: multipart/mixed; boundary=B\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Disposition: attachment; filename=good.txt\r\n" +
		"\r\n" +
		"keep\r\n" +
		"--B\r\n" +
		"Content-Disposition: attachment; filename=bad.bin\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"!!!!not base64!!!!\r\n" +
		"--B--\r\n"
	msg := &source.FullMessage{UID: 5, Raw: []byte(raw)}

	t.Run("new attachment deleted", func(t *testing.T) {
		root := t.TempDir()
		files, err := local.New(root)
		if err != nil {
			t.Fatalf("local.New: %v", err)
		}
		_, err = NewNormalizer(files, nil, discardLogger()).Normalize(context.Background(), source.Summary{UID: 5}, msg)
		var ade *AttachmentDecodeError
		if !errors.As(err, &ade) {
			t.Fatalf("error = %v, want AttachmentDecodeError", err)
		}
		if _, err := os.Stat(filepath.Join(root, "5", "good.txt")); !os.IsNotExist(err) {
			t.Errorf("good.txt left behind after failed record (stat error %v)", err)
		}
	})

	t.Run("previously stored attachment kept", func(t *testing.T) {
		root := t.TempDir()
		files, err := local.New(root)
		if err != nil {
			t.Fatalf("local.New: %v", err)
		}
		key := store.AttachmentKey{UID: 5, FileName: "good.txt"}
		if _, err := files.Upload(context.Background(), key, "text/plain", strings.NewReader("keep")); err != nil {
			t.Fatalf("seed Upload: %v", err)
		}
		if _, err := NewNormalizer(files, nil, discardLogger()).Normalize(context.Background(), source.Summary{UID: 5}, msg); err == nil {
			t.Fatal("Normalize succeeded, want decode error")
		}
		if _, err := os.Stat(filepath.Join(root, "5", "good.txt")); err != nil {
			t.Errorf("previously stored good.txt removed: %v", err)
		}
	})
}

func TestNormalizeWithoutStoreCountsBytes(t *testing.T) {
	rec, err := NewNormalizer(nil, nil, discardLogger()).Normalize(context.Background(), source.Summary{UID: 17}, &source.FullMessage{UID: 17, Raw: []byte(multipartMessage)})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rec.Attachments) != 3 || rec.Attachments[1].SizeBytes != 6 || rec.Attachments[1].StoragePath != "" {
		t.Errorf("Attachments = %+v", rec.Attachments)
	}
}

func TestAttachmentNames(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"report.pdf", 1, "report.pdf"},
		{"C:\\Users\\bob\\report.pdf", 1, "report.pdf"},
		{"../../etc/passwd", 1, "passwd"},
		{"", 4, "attachment-4"},
		{"  ", 2, "attachment-2"},
		{"dir/", 3, "dir"},
	}
	for _, tt := range tests {
		if got := attachmentName(tt.in, tt.n); got != tt.want {
			t.Errorf("attachmentName(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}

	used := map[string]bool{}
	var got []string
	for _, name := range []string{"a.txt", "a.txt", "a.txt", "a (1).txt", "noext", "noext"} {
		got = append(got, uniqueName(used, name))
	}
	want := []string{"a.txt", "a (1).txt", "a (2).txt", "a (3).txt", "noext", "noext (1)"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("uniqueName sequence = %v, want %v", got, want)
	}
}
