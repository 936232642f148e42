package mailbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/event/v3/transport/channel"

	"github.com/rbaliyan/mailbridge/bus"
	membus "github.com/rbaliyan/mailbridge/bus/memory"
	"github.com/rbaliyan/mailbridge/retry"
	memsource "github.com/rbaliyan/mailbridge/source/memory"
)

const (
	testUser     = "alice@example.com"
	testPassword = "secret"
	testTopic    = "email_alice_example_com"
)

var testEpoch = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// plainMessage builds a single-part text message.
func plainMessage(uid int, subject string, date time.Time) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: Sender %d <sender%d@example.com>\r\n", uid, uid)
	sb.WriteString("To: Alice <alice@example.com>\r\n")
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	if !date.IsZero() {
		fmt.Fprintf(&sb, "Date: %s\r\n", date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&sb, "Message-ID: <msg-%d@example.com>\r\n", uid)
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	fmt.Fprintf(&sb, "body of message %d\r\n", uid)
	return []byte(sb.String())
}

// seedFolder appends n dated messages to folder. Message i (0-based) is
// dated i hours after testEpoch, so newest-first order is reverse append
// order.
func seedFolder(p *memsource.Provider, folder string, n int) {
	for i := 0; i < n; i++ {
		p.Append(folder, plainMessage(i+1, fmt.Sprintf("message %d", i+1), testEpoch.Add(time.Duration(i)*time.Hour)))
	}
}

func newTestService(t *testing.T, p *memsource.Provider, b bus.Bus, opts ...Option) Service {
	t.Helper()
	base := []Option{
		WithDialer(p),
		WithBus(b),
		WithCredentials(testUser, testPassword),
		WithEventTransport(channel.New()),
		WithRetry(retry.NoRetry()),
		WithLogger(discardLogger()),
	}
	svc, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func uids(recs []EmailRecord) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.UniqueID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// flakyBus fails the publishes whose 1-based call number is in failOn.
type flakyBus struct {
	*membus.Bus
	mu     sync.Mutex
	calls  int
	failOn map[int]error
}

func newFlakyBus(failOn map[int]error) *flakyBus {
	return &flakyBus{Bus: membus.New(), failOn: failOn}
}

func (b *flakyBus) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) (bus.Offset, error) {
	b.mu.Lock()
	b.calls++
	err := b.failOn[b.calls]
	b.mu.Unlock()
	if err != nil {
		return "", err
	}
	return b.Bus.Publish(ctx, topic, payload, headers)
}

// recordingBus remembers the start offset of every subscription.
type recordingBus struct {
	*membus.Bus
	mu    sync.Mutex
	froms []bus.Offset
}

func (b *recordingBus) Subscribe(ctx context.Context, topic string, from bus.Offset) (bus.Feed, error) {
	b.mu.Lock()
	b.froms = append(b.froms, from)
	b.mu.Unlock()
	return b.Bus.Subscribe(ctx, topic, from)
}

func (b *recordingBus) lastFrom() bus.Offset {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.froms) == 0 {
		return ""
	}
	return b.froms[len(b.froms)-1]
}
