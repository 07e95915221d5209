package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
)

func TestBusMultipleSubscribers(t *testing.T) {
	b := NewBus()
	s1, s2 := b.Subscribe(), b.Subscribe()

	b.Notify(Event{Kind: KindGranted, RequestID: "r1"})

	for i, ch := range []<-chan Event{s1, s2} {
		select {
		case ev := <-ch:
			if ev.RequestID != "r1" {
				t.Errorf("subscriber %d got %q", i, ev.RequestID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	_ = b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 250; i++ {
			b.Notify(Event{Kind: KindDenied})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full subscriber")
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Close()
	b.Close()
	b.Notify(Event{})
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Error("subscribe after close should return a closed channel")
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.Notify(Event{Kind: KindGranted})
			}
		}()
	}
	wg.Wait()
	if got := len(ch); got != 50 {
		t.Errorf("buffered events = %d, want 50", got)
	}
}

type recorder struct{ events []Event }

func (r *recorder) Notify(ev Event) { r.events = append(r.events, ev) }

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, nil, b}.Notify(Event{RequestID: "x"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("got %d and %d events", len(a.events), len(b.events))
	}
}

func TestLogSink(t *testing.T) {
	l, err := log.NewLogger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 10, 7, 9, 0, 0, 0, time.UTC)
	slot := booking.TimeSlot{ResourceID: "lab-1", Start: at.Add(time.Hour), End: at.Add(2 * time.Hour)}
	LogSink{Logger: l}.Notify(Event{Kind: KindNegotiated, RequestID: "b", RoundID: "r-0001", Slot: slot, At: at})
	LogSink{}.Notify(Event{})

	events, err := l.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	got := events[0]
	if got.Event != log.EventDecision || got.Status != "Negotiated" || got.ResourceID != "lab-1" || !got.Time.Equal(at) {
		t.Errorf("event = %+v", got)
	}
}
