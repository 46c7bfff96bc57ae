package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/courier/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []transport.Event
}

func (r *recorder) emit(e transport.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []transport.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]transport.EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestInitializeWithScan(t *testing.T) {
	hub := NewHub(Options{RequireScan: true}, nil)
	rec := &recorder{}
	client, err := hub.Factory()("s1", rec.emit)
	if err != nil {
		t.Fatal(err)
	}

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	want := []transport.EventKind{transport.EventScan, transport.EventAuthenticated, transport.EventReady}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if rec.events[2].Account == nil || rec.events[2].Account.ID != "s1@sandbox" {
		t.Errorf("ready account = %+v", rec.events[2].Account)
	}
}

func TestInitializeCancelled(t *testing.T) {
	hub := NewHub(Options{RequireScan: true, ReadyDelay: time.Hour}, nil)
	client, _ := hub.Factory()("s1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Initialize(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Initialize() error = %v, want context.Canceled", err)
	}
}

func TestSendCaptures(t *testing.T) {
	hub := NewHub(Options{}, nil)
	client, _ := hub.Factory()("s1", nil)
	other, _ := hub.Factory()("s2", nil)

	id, err := client.Send(context.Background(), "555", "hello", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id == "" {
		t.Error("Send() returned empty id")
	}
	other.Send(context.Background(), "777", "hi", nil)

	msgs := hub.Messages("s1")
	if len(msgs) != 1 || msgs[0].Recipient != "555" || msgs[0].ID != id {
		t.Errorf("Messages(s1) = %+v", msgs)
	}
	if len(hub.Messages("")) != 2 {
		t.Errorf("Messages() len = %d, want 2", len(hub.Messages("")))
	}

	hub.Clear()
	if len(hub.Messages("")) != 0 {
		t.Error("Clear() did not drop messages")
	}
}

func TestSendSimulatedError(t *testing.T) {
	hub := NewHub(Options{ErrorProbability: 1}, nil)
	client, _ := hub.Factory()("s1", nil)

	_, err := client.Send(context.Background(), "555", "hello", nil)
	if !errors.Is(err, transport.ErrSendFailed) {
		t.Errorf("Send() error = %v, want ErrSendFailed", err)
	}
}

func TestDestroyStopsEvents(t *testing.T) {
	hub := NewHub(Options{}, nil)
	rec := &recorder{}
	client, _ := hub.Factory()("s1", rec.emit)

	client.Destroy(context.Background())

	hub.Client("s1").Disconnect("gone")
	if len(rec.kinds()) != 0 {
		t.Errorf("events after Destroy = %v", rec.kinds())
	}
	if _, err := client.Send(context.Background(), "555", "x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Destroy error = %v", err)
	}
}

func TestReceipts(t *testing.T) {
	hub := NewHub(Options{ReceiptDelay: 10 * time.Millisecond}, nil)
	rec := &recorder{}
	client, _ := hub.Factory()("s1", rec.emit)

	id, err := client.Send(context.Background(), "555", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.kinds()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("events = %+v", rec.events)
	}
	levels := map[string]bool{}
	for _, e := range rec.events {
		if e.Kind != transport.EventReceipt || e.MessageID != id {
			t.Errorf("event = %+v", e)
		}
		levels[e.Level] = true
	}
	if !levels[transport.ReceiptDelivered] || !levels[transport.ReceiptRead] {
		t.Errorf("levels = %v", levels)
	}
}
