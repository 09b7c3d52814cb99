// Package events fans out folder and trash changes to live subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vdust/partage/internal/metrics"
)

const (
	EventCreate        = "create"
	EventModify        = "modify"
	EventMkdir         = "mkdir"
	EventTrash         = "trash"
	EventRestore       = "restore"
	EventRemove        = "remove"
	EventEmpty         = "empty"
	EventFolderCreate  = "folder_create"
	EventFolderRename  = "folder_rename"
	EventFolderConfig  = "folder_config"
	EventFolderTrashed = "folder_trashed"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Event describes a change under the shared root.
type Event struct {
	Type      string `json:"type"`
	Folder    string `json:"folder,omitempty"`
	Path      string `json:"path,omitempty"`
	NewPath   string `json:"newPath,omitempty"`
	UID       string `json:"uid,omitempty"`
	User      string `json:"user,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Filter selects the events a subscriber receives. A nil Filter accepts
// everything.
type Filter func(Event) bool

// Subscription is one consumer of a Broadcaster.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filter  Filter
	b       *Broadcaster
	once    sync.Once
	dropped atomic.Int64
}

// Dropped reports how many matching events were discarded because the
// subscriber's queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.b
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		n := len(b.subs)
		b.mu.Unlock()
		metrics.SetSSEConnectionsActive(int64(n))
	})
}

// Broadcaster delivers published events to every matching subscription.
// Publishing never blocks: a subscriber that falls behind loses events.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with DefaultBuffer queues.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: DefaultBuffer,
	}
}

// Subscribe registers a consumer. The caller must Close it when done.
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, filter: filter, b: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return s
}

// Publish stamps the event if needed and queues it for every subscription
// whose filter accepts it. A nil Broadcaster discards everything.
func (b *Broadcaster) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
	metrics.RecordSSEEvent(e.Type)
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// WriteSSE writes e as one server-sent event frame.
func WriteSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
