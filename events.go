package mailbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for mailbridge events.
const (
	EventNamePagePublished = "mailbridge.page.published"
	EventNamePageReplayed  = "mailbridge.page.replayed"
	EventNameFolderSkipped = "mailbridge.folder.skipped"
)

// PagePublishedEvent is published after a produce run.
type PagePublishedEvent struct {
	RunID       string    `json:"run_id"`
	Topic       string    `json:"topic"`
	PageNumber  int       `json:"page_number"`
	PageSize    int       `json:"page_size"`
	Published   int       `json:"published"`
	Failed      int       `json:"failed"`
	PublishedAt time.Time `json:"published_at"`
}

// PageReplayedEvent is published after a replay.
type PageReplayedEvent struct {
	Topic      string    `json:"topic"`
	PageNumber int       `json:"page_number"`
	PageSize   int       `json:"page_size"`
	Returned   int       `json:"returned"`
	ReplayedAt time.Time `json:"replayed_at"`
}

// FolderSkippedEvent is published when a folder cannot be opened while
// listing folders.
type FolderSkippedEvent struct {
	Folder    string    `json:"folder"`
	Error     string    `json:"error"`
	SkippedAt time.Time `json:"skipped_at"`
}

// ServiceEvents provides access to per-service event instances.
//
//	svc.Events().PagePublished.Subscribe(ctx, handler)
type ServiceEvents struct {
	PagePublished event.Event[PagePublishedEvent]
	PageReplayed  event.Event[PageReplayedEvent]
	FolderSkipped event.Event[FolderSkippedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		PagePublished: event.New[PagePublishedEvent](namePrefix + "." + EventNamePagePublished),
		PageReplayed:  event.New[PageReplayedEvent](namePrefix + "." + EventNamePageReplayed),
		FolderSkipped: event.New[FolderSkippedEvent](namePrefix + "." + EventNameFolderSkipped),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.PagePublished); err != nil {
		return fmt.Errorf("register PagePublished: %w", err)
	}
	if err := event.Register(ctx, bus, events.PageReplayed); err != nil {
		return fmt.Errorf("register PageReplayed: %w", err)
	}
	if err := event.Register(ctx, bus, events.FolderSkipped); err != nil {
		return fmt.Errorf("register FolderSkipped: %w", err)
	}
	return nil
}

// emit publishes one lifecycle event. Failures are fatal only when
// configured so; otherwise they go to the failure handler.
func emit[T any](ctx context.Context, o *options, ev event.Event[T], name, topic string, payload T) error {
	if err := ev.Publish(ctx, payload); err != nil {
		if o.eventErrorsFatal {
			return &EventPublishError{Event: name, Topic: topic, Err: err}
		}
		o.safeEventPublishFailure(name, err)
	}
	return nil
}
