package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		if ticks.Add(1) == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestRunContinuesAfterRecoverableError(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var ticks atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		n := ticks.Add(1)
		if n < 3 {
			return errors.New("transient")
		}
		return fmt.Errorf("credentials revoked: %w", ErrFatal)
	})
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if ticks.Load() != 3 {
		t.Fatalf("recoverable errors should not stop the loop, ticks=%d", ticks.Load())
	}
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("aligned next tick = %s", got)
	}

	free := New(Options{Interval: time.Minute}, zerolog.Nop())
	if got := free.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unaligned next tick = %s", got)
	}
}

func TestStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Second, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, func(context.Context, time.Time) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation during startup delay, got %v", err)
	}
}
