package imap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/rbaliyan/mailbridge/source"
)

func TestOptions(t *testing.T) {
	o := newOptions()
	if o.connectTimeout != DefaultConnectTimeout || o.commandTimeout != DefaultCommandTimeout {
		t.Errorf("defaults = %v/%v", o.connectTimeout, o.commandTimeout)
	}
	o = newOptions(WithConnectTimeout(-1), WithCommandTimeout(0), WithTLSConfig(nil))
	if o.connectTimeout != DefaultConnectTimeout || o.commandTimeout != DefaultCommandTimeout || o.tlsConfig != nil {
		t.Error("invalid values should be ignored")
	}
	o = newOptions(WithConnectTimeout(time.Second), WithCommandTimeout(2*time.Second))
	if o.connectTimeout != time.Second || o.commandTimeout != 2*time.Second {
		t.Errorf("got %v/%v", o.connectTimeout, o.commandTimeout)
	}
}

func TestTLSConfigServerName(t *testing.T) {
	d := New()
	if cfg := d.tlsConfig("imap.example.com"); cfg.ServerName != "imap.example.com" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
}

func TestSummaryFromBuffer(t *testing.T) {
	date := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	buf := &imapclient.FetchMessageBuffer{
		UID:   42,
		Flags: []imap.Flag{imap.FlagSeen},
		Envelope: &imap.Envelope{
			Date:      date,
			Subject:   "Re[3]: status",
			MessageID: "abc@example.com",
			InReplyTo: []string{"parent@example.com"},
		},
	}
	sum := summaryFromBuffer(buf)
	if sum.UID != 42 || !sum.IsReply || sum.InReplyTo != "parent@example.com" || !sum.Date.Equal(date) {
		t.Errorf("got %+v", sum)
	}
	if len(sum.Flags) != 1 || sum.Flags[0] != string(imap.FlagSeen) {
		t.Errorf("Flags = %v", sum.Flags)
	}

	empty := summaryFromBuffer(&imapclient.FetchMessageBuffer{UID: 1})
	if !empty.Date.IsZero() || empty.IsReply {
		t.Errorf("got %+v", empty)
	}
}

func TestClosedSession(t *testing.T) {
	s := &Session{}
	if _, err := s.ListFolders(context.Background()); !errors.Is(err, source.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close on closed session: %v", err)
	}
	if _, err := s.FetchMessage(context.Background(), nil, 1); !errors.Is(err, source.ErrNotSelected) {
		t.Errorf("expected ErrNotSelected, got %v", err)
	}
}

func TestDialRefused(t *testing.T) {
	d := New(WithConnectTimeout(time.Second))
	_, err := d.Dial(context.Background(), source.Endpoint{Host: "127.0.0.1", Port: 1})
	if err == nil {
		t.Fatal("expected dial error")
	}
}
