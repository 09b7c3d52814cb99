package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSubscribeClose(t *testing.T) {
	b := NewBroadcaster()

	s1 := b.Subscribe(nil)
	s2 := b.Subscribe(nil)
	if b.Len() != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", b.Len())
	}

	s1.Close()
	s1.Close()
	if b.Len() != 1 {
		t.Fatalf("expected 1 subscription after close, got %d", b.Len())
	}
	if _, open := <-s1.C; open {
		t.Fatal("expected closed subscription channel")
	}

	s2.Close()
	if b.Len() != 0 {
		t.Fatalf("expected no subscriptions, got %d", b.Len())
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(nil)
	defer s.Close()

	b.Publish(Event{Type: EventTrash, Folder: "readwrite", Path: "readwrite/a.txt", UID: "Znw"})

	got := recv(t, s)
	if got.Type != EventTrash || got.Path != "readwrite/a.txt" || got.UID != "Znw" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Timestamp == 0 {
		t.Error("expected timestamp to be filled in")
	}
}

func TestFilterSelectsEvents(t *testing.T) {
	b := NewBroadcaster()
	all := b.Subscribe(nil)
	defer all.Close()
	docs := b.Subscribe(func(e Event) bool { return e.Folder == "docs" })
	defer docs.Close()

	b.Publish(Event{Type: EventModify, Folder: "private", Path: "private/x"})
	b.Publish(Event{Type: EventFolderRename, Folder: "docs", NewPath: "papers"})

	if got := recv(t, all); got.Folder != "private" {
		t.Errorf("expected private first, got %+v", got)
	}
	if got := recv(t, all); got.NewPath != "papers" {
		t.Errorf("expected rename, got %+v", got)
	}
	if got := recv(t, docs); got.Type != EventFolderRename {
		t.Errorf("filtered subscriber got %+v", got)
	}
	if n := len(docs.C); n != 0 {
		t.Errorf("filtered subscriber has %d extra events", n)
	}
}

func TestSlowConsumerDrops(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(nil)
	defer s.Close()

	for i := 0; i < DefaultBuffer+36; i++ {
		b.Publish(Event{Type: EventModify, Path: "f/overflow.txt"})
	}

	if got := len(s.C); got != DefaultBuffer {
		t.Errorf("expected %d queued events, got %d", DefaultBuffer, got)
	}
	if got := s.Dropped(); got != 36 {
		t.Errorf("expected 36 dropped events, got %d", got)
	}
}

func TestNilBroadcasterPublish(t *testing.T) {
	var b *Broadcaster
	b.Publish(Event{Type: EventEmpty})
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSSE(&buf, Event{Type: EventRemove, UID: "abc", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "event: remove\ndata: ") || !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("malformed frame %q", out)
	}

	var m map[string]any
	data := strings.TrimSuffix(strings.TrimPrefix(out, "event: remove\ndata: "), "\n\n")
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["path"]; ok {
		t.Error("expected empty path to be omitted")
	}
	if m["uid"] != "abc" {
		t.Errorf("expected uid abc, got %v", m["uid"])
	}
}
