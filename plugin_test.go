package mailbridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rbaliyan/mailbridge/bus"
	membus "github.com/rbaliyan/mailbridge/bus/memory"
	memsource "github.com/rbaliyan/mailbridge/source/memory"
)

// tagger prefixes subjects and rejects records whose subject contains
// reject. It records lifecycle calls.
type tagger struct {
	name    string
	reject  string
	initErr error

	mu        sync.Mutex
	calls     []string
	published []bus.Offset
}

func (p *tagger) Name() string { return p.name }

func (p *tagger) Init(context.Context) error {
	p.record("init")
	return p.initErr
}

func (p *tagger) Close(context.Context) error {
	p.record("close")
	return nil
}

func (p *tagger) BeforePublish(_ context.Context, _ string, rec *EmailRecord) error {
	if p.reject != "" && strings.Contains(rec.Subject, p.reject) {
		return errors.New("rejected")
	}
	rec.Subject = "[" + p.name + "] " + rec.Subject
	return nil
}

func (p *tagger) AfterPublish(_ context.Context, _ string, _ *EmailRecord, offset bus.Offset) error {
	p.mu.Lock()
	p.published = append(p.published, offset)
	p.mu.Unlock()
	return errors.New("audit sink down")
}

func (p *tagger) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func TestPublishHooks(t *testing.T) {
	ctx := context.Background()
	p := memsource.New()
	seedFolder(p, "All Mail", 3)
	b := membus.New()
	hook := &tagger{name: "tag", reject: "message 2"}
	svc := newTestService(t, p, b, WithPlugin(hook))

	page, err := svc.ListInboundPage(ctx, 1, 3)
	ppe, ok := IsPartialPublish(err)
	if !ok {
		t.Fatalf("expected PartialPublishError, got %v", err)
	}
	var pe *PluginError
	if !errors.As(err, &pe) || pe.Plugin != "tag" || pe.Op != "BeforePublish" {
		t.Errorf("expected BeforePublish PluginError, got %v", err)
	}
	if !equalIDs(ppe.FailedIDs(), []int64{2}) {
		t.Errorf("failed = %v", ppe.FailedIDs())
	}
	if page.Records[0].Subject != "[tag] message 3" {
		t.Errorf("subject = %q, want hook changes in the page", page.Records[0].Subject)
	}
	if len(hook.published) != 2 {
		t.Errorf("AfterPublish calls = %d, want 2", len(hook.published))
	}

	replay, err := svc.ListReplayPage(ctx, "", 1, 10)
	if err != nil {
		t.Fatalf("ListReplayPage: %v", err)
	}
	if len(replay.Records) != 2 || replay.Records[1].Subject != "[tag] message 1" {
		t.Errorf("replayed = %+v", replay.Records)
	}
}

func TestPluginLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("init and close", func(t *testing.T) {
		hook := &tagger{name: "a"}
		svc, err := NewService(WithDialer(memsource.New()), WithBus(membus.New()),
			WithCredentials(testUser, testPassword), WithLogger(discardLogger()), WithPlugin(hook))
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		if err := svc.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := svc.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if strings.Join(hook.calls, ",") != "init,close" {
			t.Errorf("calls = %v", hook.calls)
		}
	})

	t.Run("failed init rolls back", func(t *testing.T) {
		first := &tagger{name: "first"}
		second := &tagger{name: "second", initErr: errors.New("no license")}
		svc, err := NewService(WithDialer(memsource.New()), WithBus(membus.New()),
			WithCredentials(testUser, testPassword), WithLogger(discardLogger()),
			WithPlugin(first), WithPlugin(second))
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		err = svc.Connect(ctx)
		var pe *PluginError
		if !errors.As(err, &pe) || pe.Plugin != "second" || pe.Op != "init" {
			t.Fatalf("expected init PluginError, got %v", err)
		}
		if svc.IsConnected() {
			t.Error("service connected after plugin failure")
		}
		if strings.Join(first.calls, ",") != "init,close" {
			t.Errorf("first plugin calls = %v", first.calls)
		}
	})
}
