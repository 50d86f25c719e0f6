package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"ciserver/pkg/models"
	"ciserver/pkg/storage"
)

// SubscriberBuffer is the per-subscriber event buffer. A subscriber whose
// buffer is full is disconnected: its channel is closed so the reader can
// reload the backlog instead of missing events.
const SubscriberBuffer = 1024

// Hub fans job events out to in-process subscribers. Used on its own it is
// the live stream of a single-process server whose records live elsewhere.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan storage.Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*subscriber]struct{})}
}

func (h *Hub) Publish(ev storage.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[ev.JobID]
	for sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			delete(subs, sub)
			sub.close()
		}
	}
	if len(subs) == 0 {
		delete(h.subs, ev.JobID)
	}
}

func (h *Hub) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan storage.Event, func(), error) {
	sub := &subscriber{ch: make(chan storage.Event, SubscriberBuffer)}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[jobID], sub)
		if len(h.subs[jobID]) == 0 {
			delete(h.subs, jobID)
		}
		h.mu.Unlock()
		sub.close()
	}

	context.AfterFunc(ctx, cancel)
	return sub.ch, cancel, nil
}

var (
	_ storage.LogSink        = (*Hub)(nil)
	_ storage.JobStateStore  = (*Hub)(nil)
	_ storage.FinishNotifier = (*Hub)(nil)
	_ storage.LogStream      = (*Hub)(nil)
)

// AppendLog publishes rec. Records are expected to carry the ID assigned by
// the persistent sink that ran first.
func (h *Hub) AppendLog(ctx context.Context, rec *models.LogRecord) error {
	cp := *rec
	h.Publish(storage.Event{Type: storage.EventLog, JobID: rec.JobID, Log: &cp})
	return nil
}

func (h *Hub) UpdateJobStatus(ctx context.Context, id uuid.UUID, u storage.StatusUpdate) error {
	h.Publish(storage.Event{Type: storage.EventStatus, JobID: id, Status: u.Status})
	return nil
}

func (h *Hub) JobFinished(ctx context.Context, id uuid.UUID) error {
	h.Publish(storage.Event{Type: storage.EventEnd, JobID: id})
	return nil
}
