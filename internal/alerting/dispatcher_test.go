package alerting

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestDispatcher(n Notifier, cooldown time.Duration) (*Dispatcher, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	d := NewDispatcher(n, cooldown, testLogger())
	d.now = clock.Now
	return d, clock
}

func TestDispatcherCooldownSuppressesSecondAlert(t *testing.T) {
	rec := &recordingNotifier{}
	d, clock := newTestDispatcher(rec, time.Minute)
	var logs bytes.Buffer
	d.logger = zerolog.New(&logs)

	sent, err := d.Dispatch(context.Background(), sampleNote())
	if err != nil || !sent {
		t.Fatalf("first alert should be sent: sent=%v err=%v", sent, err)
	}
	first := d.LastSent()

	clock.now = clock.now.Add(30 * time.Second)
	sent, err = d.Dispatch(context.Background(), sampleNote())
	if err != nil || sent {
		t.Fatalf("second alert inside cooldown should be suppressed: sent=%v err=%v", sent, err)
	}
	if !d.LastSent().Equal(first) {
		t.Fatal("a suppressed alert must not move the cooldown timestamp")
	}
	if len(rec.notes) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(rec.notes))
	}
	if !strings.Contains(logs.String(), `"message":"alert suppressed by cooldown"`) {
		t.Fatalf("suppression should be logged, got %q", logs.String())
	}

	clock.now = clock.now.Add(31 * time.Second)
	if sent, _ := d.Dispatch(context.Background(), sampleNote()); !sent {
		t.Fatal("alert after cooldown should be sent")
	}
}

func TestDispatcherFailureDoesNotStartCooldown(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("connection refused")}
	d, _ := newTestDispatcher(rec, time.Minute)

	sent, err := d.Dispatch(context.Background(), sampleNote())
	if err == nil || sent {
		t.Fatalf("delivery error should surface: sent=%v err=%v", sent, err)
	}
	if !d.LastSent().IsZero() {
		t.Fatal("failed delivery must not record a send")
	}

	rec.err = nil
	if sent, err := d.Dispatch(context.Background(), sampleNote()); err != nil || !sent {
		t.Fatalf("retry right after a failure should be sent: sent=%v err=%v", sent, err)
	}
}

func TestDispatcherPartialDeliveryStartsCooldown(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("smtp down")}
	d, clock := newTestDispatcher(MultiNotifier{ok, failing}, time.Minute)

	sent, err := d.Dispatch(context.Background(), sampleNote())
	var partial *PartialError
	if !sent || !errors.As(err, &partial) {
		t.Fatalf("partial delivery should report sent with a PartialError: sent=%v err=%v", sent, err)
	}
	if partial.Delivered != 1 || len(partial.Failed) != 1 {
		t.Fatalf("unexpected partial result %+v", partial)
	}

	for i := 0; i < 3; i++ {
		clock.now = clock.now.Add(10 * time.Second)
		if sent, err := d.Dispatch(context.Background(), sampleNote()); sent || err != nil {
			t.Fatalf("dispatch %d inside cooldown should be suppressed: sent=%v err=%v", i, sent, err)
		}
	}
	if len(ok.notes) != 1 {
		t.Fatalf("working channel should receive exactly 1 alert, got %d", len(ok.notes))
	}
}

func TestDispatcherConcurrentCallersSendOnce(t *testing.T) {
	rec := &countingNotifier{}
	d := NewDispatcher(rec, time.Hour, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), sampleNote())
		}()
	}
	wg.Wait()

	if rec.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", rec.count())
	}
}

func TestDispatcherStampsTriggeredAt(t *testing.T) {
	rec := &recordingNotifier{}
	d, clock := newTestDispatcher(rec, 0)
	note := sampleNote()
	note.TriggeredAt = time.Time{}

	if _, err := d.Dispatch(context.Background(), note); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !rec.notes[0].TriggeredAt.Equal(clock.now) {
		t.Fatalf("TriggeredAt should default to now, got %s", rec.notes[0].TriggeredAt)
	}
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
