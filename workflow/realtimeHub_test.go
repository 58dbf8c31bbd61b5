package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cardiva/cardiva_backend/config"
)

func feedMessage(id int, table string, entityId int, userId int, action string) config.ChangeFeedMessage {
	return config.ChangeFeedMessage{
		ID:         id,
		BusinessId: "b-1",
		TableName:  table,
		EntityId:   entityId,
		UserId:     userId,
		Action:     action,
		Payload:    json.RawMessage(`{"status":"processing"}`),
		OccurredAt: time.Now().UTC(),
	}
}

func receiveFrame(t *testing.T, s *Subscriber) HubEvent {
	t.Helper()
	select {
	case raw := <-s.Send:
		var ev HubEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("invalid frame: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return HubEvent{}
	}
}

func expectNoFrame(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case raw := <-s.Send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubDeduplicatesEvents(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	sub := NewSubscriber("b-1", 1)
	hub.Register(sub)

	msg := feedMessage(10, TableRFPUploadJobs, 5, 1, "UPDATE")
	if err := hub.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same outbox row must not produce a second frame.
	if err := hub.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}

	ev := receiveFrame(t, sub)
	if ev.Table != TableRFPUploadJobs || ev.EntityId != 5 {
		t.Errorf("frame = %+v, want table %s entity 5", ev, TableRFPUploadJobs)
	}
	expectNoFrame(t, sub)
}

func TestHubScopesInventoryEventsToUploader(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	uploader := NewSubscriber("b-1", 1)
	colleague := NewSubscriber("b-1", 2)
	outsider := NewSubscriber("b-2", 1)
	hub.Register(uploader)
	hub.Register(colleague)
	hub.Register(outsider)

	if err := hub.Enqueue(ctx, feedMessage(1, TableInventoryUploadJobs, 7, 1, "INSERT")); err != nil {
		t.Fatal(err)
	}
	receiveFrame(t, uploader)
	expectNoFrame(t, colleague)
	expectNoFrame(t, outsider)

	// RFP jobs are business-wide.
	if err := hub.Enqueue(ctx, feedMessage(2, TableRFPUploadJobs, 8, 1, "INSERT")); err != nil {
		t.Fatal(err)
	}
	receiveFrame(t, uploader)
	receiveFrame(t, colleague)
	expectNoFrame(t, outsider)
}

func TestHubActiveJobView(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	sub := NewSubscriber("b-1", 1)
	hub.Register(sub)

	if err := hub.Enqueue(ctx, feedMessage(1, TableRFPUploadJobs, 5, 1, "INSERT")); err != nil {
		t.Fatal(err)
	}
	receiveFrame(t, sub)

	jobs := hub.ActiveJobs("b-1", 1)
	if len(jobs) != 1 || jobs[0].EntityId != 5 {
		t.Fatalf("ActiveJobs = %+v, want one entry for entity 5", jobs)
	}

	if err := hub.Enqueue(ctx, feedMessage(2, TableRFPUploadJobs, 5, 1, "DELETE")); err != nil {
		t.Fatal(err)
	}
	receiveFrame(t, sub)

	if jobs := hub.ActiveJobs("b-1", 1); len(jobs) != 0 {
		t.Fatalf("ActiveJobs after delete = %+v, want empty", jobs)
	}
}

func TestHubActiveJobViewScoping(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	sub := NewSubscriber("b-1", 1)
	hub.Register(sub)

	if err := hub.Enqueue(ctx, feedMessage(1, TableInventoryUploadJobs, 3, 1, "INSERT")); err != nil {
		t.Fatal(err)
	}
	receiveFrame(t, sub)

	if jobs := hub.ActiveJobs("b-1", 1); len(jobs) != 1 {
		t.Fatalf("uploader ActiveJobs = %+v, want one entry", jobs)
	}
	if jobs := hub.ActiveJobs("b-1", 2); len(jobs) != 0 {
		t.Fatalf("colleague ActiveJobs = %+v, want empty", jobs)
	}
	if jobs := hub.ActiveJobs("b-2", 1); len(jobs) != 0 {
		t.Fatalf("outsider ActiveJobs = %+v, want empty", jobs)
	}
}

func TestHubDedupStateStaysBounded(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	sub := NewSubscriber("b-1", 1)
	hub.Register(sub)

	// A long run of item events for one job keeps a single tracking entry.
	for id := 1; id <= 50; id++ {
		if err := hub.Enqueue(ctx, feedMessage(id, TableRFPItems, 5, 1, "UPDATE")); err != nil {
			t.Fatal(err)
		}
		receiveFrame(t, sub)
	}
	// A stale redelivery (lower id) is dropped.
	if err := hub.Enqueue(ctx, feedMessage(20, TableRFPItems, 5, 1, "UPDATE")); err != nil {
		t.Fatal(err)
	}
	expectNoFrame(t, sub)

	hub.mu.RLock()
	entries := len(hub.lastEventId)
	hub.mu.RUnlock()
	if entries != 1 {
		t.Fatalf("tracking entries = %d, want 1", entries)
	}

	// Deleting the job evicts its tracking and the job-scoped item tracking.
	if err := hub.Enqueue(ctx, feedMessage(51, TableRFPUploadJobs, 5, 1, "INSERT")); err != nil {
		t.Fatal(err)
	}
	receiveFrame(t, sub)
	if err := hub.Enqueue(ctx, feedMessage(52, TableRFPUploadJobs, 5, 1, "DELETE")); err != nil {
		t.Fatal(err)
	}
	receiveFrame(t, sub)

	hub.mu.RLock()
	entries = len(hub.lastEventId)
	hub.mu.RUnlock()
	if entries != 0 {
		t.Fatalf("tracking entries after delete = %d, want 0", entries)
	}
}

func TestHubItemEventsDoNotEnterJobView(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	sub := NewSubscriber("b-1", 1)
	hub.Register(sub)

	if err := hub.Enqueue(ctx, feedMessage(1, TableRFPItems, 99, 1, "UPDATE")); err != nil {
		t.Fatal(err)
	}
	receiveFrame(t, sub)

	if jobs := hub.ActiveJobs("b-1", 1); len(jobs) != 0 {
		t.Fatalf("ActiveJobs = %+v, want empty", jobs)
	}
}
