// Package mailbridge exposes an IMAP mailbox over a topic-based message bus.
//
// The produce path reads one page of a mailbox folder, normalizes every
// message into an EmailRecord and publishes the records, in page order, to
// a topic derived from the mailbox identity. The replay path reads a page
// back from that topic.
//
// # Basic Usage
//
//	attachments, err := local.New("attachments")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	redisBus, err := redisbus.New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc, err := mailbridge.NewService(
//	    mailbridge.WithDialer(imap.New()),
//	    mailbridge.WithEndpoint(source.Endpoint{Host: "imap.example.com", Port: 993, TLS: true}),
//	    mailbridge.WithCredentials("alice@example.com", password),
//	    mailbridge.WithBus(redisBus),
//	    mailbridge.WithAttachmentStore(attachments),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	page, err := svc.ListInboundPage(ctx, 1, 20)
//	replayed, err := svc.ListReplayPage(ctx, "", 1, 20)
//
// # Topics
//
// DeriveTopic("alice@example.com") is "email_alice_example_com". Every '/',
// '@' and '.' of the composed "email/<identity>" name becomes '_'.
//
// # Concurrency
//
// A mailbox session is not reentrant. MailboxReader serializes every call
// on it while message parsing and attachment writes run concurrently,
// bounded by WithMaxConcurrentFetches.
//
// # Events
//
// Each service registers its own events on its own event bus during
// Connect (github.com/rbaliyan/event/v3):
//   - PagePublished - after a produce run
//   - PageReplayed - after a replay
//   - FolderSkipped - when a folder cannot be opened while listing
package mailbridge
