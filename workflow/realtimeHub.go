package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/sirupsen/logrus"
)

const (
	TableRFPUploadJobs       = "rfp_upload_jobs"
	TableInventoryUploadJobs = "inventory_upload_jobs"
	TableRFPItems            = "rfp_items"
)

// entityKey identifies one row across the change feed.
type entityKey struct {
	Table    string
	EntityId int
}

// HubEvent is the frame pushed to websocket subscribers.
type HubEvent struct {
	Table      string          `json:"table"`
	EntityId   int             `json:"entity_id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// ActiveJob is one entry of the hub's active-job view: the latest known
// payload for a job row that has not been deleted.
type ActiveJob struct {
	Table     string          `json:"table"`
	EntityId  int             `json:"entity_id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Subscriber is one websocket session. RFP job and item events fan out to
// every subscriber of the owning business; inventory job events only reach
// the uploading user's sessions.
type Subscriber struct {
	BusinessId string
	UserId     int
	Send       chan []byte
}

func NewSubscriber(businessId string, userId int) *Subscriber {
	return &Subscriber{
		BusinessId: businessId,
		UserId:     userId,
		Send:       make(chan []byte, 64),
	}
}

// Hub applies change-feed events in receipt order per (table, entity id) and
// fans them out to websocket subscribers. A single dispatcher goroutine owns
// the subscriber set and the event loop; the active-job view is guarded by a
// mutex so HTTP handlers can snapshot it.
//
// The feed is at-least-once (Pub/Sub push plus the direct processor can both
// deliver the same row), so application is idempotent per (entity, event id).
type Hub struct {
	Logger *logrus.Logger

	events     chan config.ChangeFeedMessage
	register   chan *Subscriber
	unregister chan *Subscriber

	mu          sync.RWMutex
	activeJobs  map[entityKey]activeJobEntry
	lastEventId map[entityKey]int
}

type activeJobEntry struct {
	BusinessId string
	UserId     int
	Payload    json.RawMessage
	UpdatedAt  time.Time
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		Logger:     logger,
		events:     make(chan config.ChangeFeedMessage, 256),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		activeJobs:  make(map[entityKey]activeJobEntry),
		lastEventId: make(map[entityKey]int),
	}
}

// Enqueue hands an event to the dispatcher. Events are applied in the order
// they are enqueued, so callers that care about per-entity ordering must
// enqueue from a single goroutine per source (the push handler and the direct
// processor each do).
func (h *Hub) Enqueue(ctx context.Context, msg config.ChangeFeedMessage) error {
	select {
	case h.events <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Register(s *Subscriber) {
	h.register <- s
}

func (h *Hub) Unregister(s *Subscriber) {
	h.unregister <- s
}

// Run is the dispatcher loop. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	subscribers := make(map[*Subscriber]struct{})
	for {
		select {
		case <-ctx.Done():
			for s := range subscribers {
				close(s.Send)
			}
			return
		case s := <-h.register:
			subscribers[s] = struct{}{}
		case s := <-h.unregister:
			if _, ok := subscribers[s]; ok {
				delete(subscribers, s)
				close(s.Send)
			}
		case msg := <-h.events:
			if !h.apply(msg) {
				continue
			}
			h.fanOut(subscribers, msg)
		}
	}
}

// apply updates the active-job view and reports whether the event is new.
// Event ids are outbox row ids, so they increase per entity; remembering only
// the highest applied id keeps dedup state at one int per live entity while
// still dropping at-least-once redeliveries.
func (h *Hub) apply(msg config.ChangeFeedMessage) bool {
	key := entityKey{Table: msg.TableName, EntityId: msg.EntityId}

	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.lastEventId[key]; ok && msg.ID <= last {
		return false
	}
	h.lastEventId[key] = msg.ID

	if msg.TableName != TableRFPUploadJobs && msg.TableName != TableInventoryUploadJobs {
		return true
	}

	if msg.Action == "DELETE" {
		delete(h.activeJobs, key)
		delete(h.lastEventId, key)
		// Item events are published job-scoped, so their tracking goes with
		// the job.
		delete(h.lastEventId, entityKey{Table: TableRFPItems, EntityId: msg.EntityId})
		return true
	}
	entry := activeJobEntry{
		BusinessId: msg.BusinessId,
		UserId:     msg.UserId,
		Payload:    msg.Payload,
		UpdatedAt:  msg.OccurredAt,
	}
	// Pipeline callbacks run without a session (user id 0); keep the
	// uploading user as the owner so inventory visibility doesn't widen.
	if prev, ok := h.activeJobs[key]; ok && entry.UserId == 0 {
		entry.UserId = prev.UserId
	}
	h.activeJobs[key] = entry
	return true
}

func (h *Hub) fanOut(subscribers map[*Subscriber]struct{}, msg config.ChangeFeedMessage) {
	frame, err := json.Marshal(HubEvent{
		Table:      msg.TableName,
		EntityId:   msg.EntityId,
		Action:     msg.Action,
		Payload:    msg.Payload,
		OccurredAt: msg.OccurredAt,
	})
	if err != nil {
		return
	}

	for s := range subscribers {
		if !h.eventVisibleTo(s, msg) {
			continue
		}
		select {
		case s.Send <- frame:
		default:
			// Slow consumer; drop the frame rather than stall the loop.
			if h.Logger != nil {
				h.Logger.WithFields(logrus.Fields{
					"field":       "RealtimeHub",
					"business_id": s.BusinessId,
					"user_id":     s.UserId,
				}).Warn("dropping realtime frame for slow subscriber")
			}
		}
	}
}

func (h *Hub) eventVisibleTo(s *Subscriber, msg config.ChangeFeedMessage) bool {
	if s.BusinessId != msg.BusinessId {
		return false
	}
	if msg.TableName == TableInventoryUploadJobs {
		return s.UserId == msg.UserId
	}
	return true
}

// ActiveJobs snapshots the active-job view visible to one session, newest
// first.
func (h *Hub) ActiveJobs(businessId string, userId int) []ActiveJob {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []ActiveJob
	for key, entry := range h.activeJobs {
		if entry.BusinessId != businessId {
			continue
		}
		if key.Table == TableInventoryUploadJobs && entry.UserId != userId {
			continue
		}
		out = append(out, ActiveJob{
			Table:     key.Table,
			EntityId:  key.EntityId,
			Payload:   entry.Payload,
			UpdatedAt: entry.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}
