package differential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type memorySource struct {
	rows  []Row
	calls []Cursor
	err   error
}

func (m *memorySource) FetchAfter(_ context.Context, _ string, after Cursor) ([]Row, error) {
	m.calls = append(m.calls, after)
	if m.err != nil {
		return nil, m.err
	}
	return m.rows, nil
}

func ts(minute int) time.Time {
	return time.Date(2024, 5, 1, 10, minute, 0, 0, time.UTC)
}

func TestFetcherSeedsNowMinusInterval(t *testing.T) {
	now := ts(30)
	f, err := NewFetcher(&memorySource{}, Options{Column: "ts", Backoff: 30 * time.Second, Now: func() time.Time { return now }}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	want := now.Add(-30 * time.Second)
	if !f.Cursor().Time.Equal(want) {
		t.Fatalf("seed = %s, want %s", f.Cursor(), want)
	}

	n, err := NewFetcher(&memorySource{}, Options{Column: "_ts", Kind: KindNumber, Now: func() time.Time { return now }}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if !n.Cursor().Number.Equal(decimal.NewFromInt(now.Unix())) {
		t.Fatalf("number seed should be epoch seconds, got %s", n.Cursor())
	}

	if _, err := NewFetcher(&memorySource{}, Options{Column: "id", Kind: KindString}, zerolog.Nop()); err == nil {
		t.Fatal("string cursors without an initial value should be rejected")
	}
}

func TestFetcherAdvancesToMaximum(t *testing.T) {
	initial := TimeCursor(ts(0))
	src := &memorySource{}
	f, err := NewFetcher(src, Options{Column: "ts", Initial: &initial}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	batches := [][]Row{
		{{"ts": ts(3), "v": 1}, {"ts": ts(1), "v": 2}, {"ts": ts(2), "v": 3}},
		{},
		{{"ts": ts(5)}, {"ts": ts(4)}},
		{},
	}
	expected := []time.Time{ts(3), ts(3), ts(5), ts(5)}

	for i, batch := range batches {
		src.rows = batch
		rows, err := f.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if rows == nil {
			t.Fatalf("fetch %d returned nil slice", i)
		}
		if !f.Cursor().Time.Equal(expected[i]) {
			t.Fatalf("after fetch %d cursor = %s, want %s", i, f.Cursor(), expected[i])
		}
		for j := 1; j < len(rows); j++ {
			prev := rows[j-1]["ts"].(time.Time)
			cur := rows[j]["ts"].(time.Time)
			if !prev.Before(cur) {
				t.Fatalf("rows not ascending at %d: %s >= %s", j, prev, cur)
			}
		}
	}

	if got := src.calls[2]; !got.Time.Equal(ts(3)) {
		t.Fatalf("third query should start after %s, got %s", ts(3), got)
	}
}

func TestFetcherIgnoresRowsAtOrBeforeCursor(t *testing.T) {
	initial := NumberCursor(decimal.NewFromInt(10))
	src := &memorySource{rows: []Row{{"id": int64(10)}, {"id": int64(9)}, {"id": "12"}, {"id": 11.0}}}
	f, err := NewFetcher(src, Options{Column: "id", Kind: KindNumber, Initial: &initial}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	rows, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 newer rows, got %d", len(rows))
	}
	if rows[0]["id"] != 11.0 || rows[1]["id"] != "12" {
		t.Fatalf("unexpected order %v", rows)
	}
	if f.Cursor().String() != "12" {
		t.Fatalf("cursor = %s, want 12", f.Cursor())
	}
}

func TestFetcherSourceErrorKeepsCursor(t *testing.T) {
	initial := TimeCursor(ts(7))
	src := &memorySource{err: errors.New("boom")}
	f, _ := NewFetcher(src, Options{Column: "ts", Initial: &initial}, zerolog.Nop())

	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatal("expected source error")
	}
	if !f.Cursor().Time.Equal(ts(7)) {
		t.Fatalf("cursor moved on error: %s", f.Cursor())
	}
}

func TestFetcherMissingColumn(t *testing.T) {
	initial := TimeCursor(ts(0))
	src := &memorySource{rows: []Row{{"other": 1}}}
	f, _ := NewFetcher(src, Options{Column: "ts", Initial: &initial}, zerolog.Nop())

	_, err := f.Fetch(context.Background())
	if !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("expected ErrMissingColumn, got %v", err)
	}
}

func TestRestoreOnlyMovesForward(t *testing.T) {
	initial := TimeCursor(ts(10))
	f, _ := NewFetcher(&memorySource{}, Options{Column: "ts", Initial: &initial}, zerolog.Nop())

	if f.Restore(TimeCursor(ts(5))) {
		t.Fatal("restore should refuse an older checkpoint")
	}
	if !f.Restore(TimeCursor(ts(20))) || !f.Cursor().Time.Equal(ts(20)) {
		t.Fatalf("restore should accept a newer checkpoint, cursor %s", f.Cursor())
	}
}

func TestRestoreReplacesSeededCursorWithOlderCheckpoint(t *testing.T) {
	src := &memorySource{}
	f, err := NewFetcher(src, Options{
		Column:  "ts",
		Backoff: 30 * time.Second,
		Now:     func() time.Time { return ts(30) },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	if !f.Restore(TimeCursor(ts(5))) {
		t.Fatal("a checkpoint should win over the clock seed")
	}
	if _, err := f.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(src.calls) != 1 || !src.calls[0].Time.Equal(ts(5)) {
		t.Fatalf("first fetch should start at the checkpoint, got %v", src.calls)
	}
	if f.Restore(TimeCursor(ts(1))) {
		t.Fatal("once restored the cursor should only move forward")
	}
}
