package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"azure-utilities/internal/alerting"
	"azure-utilities/internal/config"
	"azure-utilities/internal/differential"
	"azure-utilities/internal/scheduler"
	"azure-utilities/internal/sqldb"
	"azure-utilities/internal/storage"
)

type queueSource struct {
	mu      sync.Mutex
	batches [][]differential.Row
	errs    []error
	calls   int
	seen    []differential.Cursor
}

func (q *queueSource) FetchAfter(_ context.Context, _ string, after differential.Cursor) ([]differential.Row, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.seen = append(q.seen, after)
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(q.batches) == 0 {
		return nil, nil
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b, nil
}

type notes struct {
	mu   sync.Mutex
	sent []alerting.Notification
	err  error
}

func (n *notes) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

type memoryStore struct {
	samples []storage.PollSample
	alerts  []storage.AlertRecord
	cursor  *storage.CursorCheckpoint
}

func (m *memoryStore) UpsertSample(_ context.Context, s storage.PollSample) error {
	m.samples = append(m.samples, s)
	return nil
}

func (m *memoryStore) ListSamplesBetween(context.Context, string, time.Time, time.Time) ([]storage.PollSample, error) {
	return m.samples, nil
}

func (m *memoryStore) ListRecentSamples(context.Context, string, int) ([]storage.PollSample, error) {
	return m.samples, nil
}

func (m *memoryStore) CountSamples(context.Context, string) (int64, error) {
	return int64(len(m.samples)), nil
}

func (m *memoryStore) InsertAlert(_ context.Context, a storage.AlertRecord) (storage.AlertRecord, error) {
	a.ID = int64(len(m.alerts) + 1)
	m.alerts = append(m.alerts, a)
	return a, nil
}

func (m *memoryStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return m.alerts, nil
}

func (m *memoryStore) DeleteAlertsBefore(context.Context, time.Time) error { return nil }

func (m *memoryStore) SaveCursor(_ context.Context, cp storage.CursorCheckpoint) error {
	m.cursor = &cp
	return nil
}

func (m *memoryStore) LoadCursor(context.Context, string) (*storage.CursorCheckpoint, error) {
	return m.cursor, nil
}

func ts(minute int) time.Time {
	return time.Date(2024, 5, 1, 10, minute, 0, 0, time.UTC)
}

func testConfig() *config.Config {
	gt := 5.0
	return &config.Config{
		Poller: config.PollerConfig{
			Name:           "orders",
			ValueColumn:    "value",
			Retries:        2,
			RetryBaseDelay: time.Millisecond,
		},
		Alerting: config.AlertingConfig{
			Enabled:   true,
			Cooldown:  time.Minute,
			Channels:  []string{"email"},
			Threshold: config.ThresholdConfig{GreaterThan: &gt},
		},
	}
}

func newTestService(t *testing.T, src differential.Source, n alerting.Notifier, store *memoryStore) *Service {
	t.Helper()
	initial := differential.TimeCursor(ts(0))
	f, err := differential.NewFetcher(src, differential.Options{Column: "ts", Initial: &initial}, zerolog.Nop())
	require.NoError(t, err)
	d := alerting.NewDispatcher(n, time.Minute, zerolog.Nop())

	var samples storage.SampleStore
	var alerts storage.AlertStore
	if store != nil {
		samples, alerts = store, store
	}
	svc, err := New(testConfig(), nil, f, d, samples, alerts, zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func TestPollAlertsOnViolationAndHonoursCooldown(t *testing.T) {
	src := &queueSource{batches: [][]differential.Row{
		{{"ts": ts(1), "value": 3}, {"ts": ts(2), "value": 9}},
		{{"ts": ts(3), "value": 12}},
	}}
	n := &notes{}
	store := &memoryStore{}
	svc := newTestService(t, src, n, store)

	out, err := svc.PollOnce(context.Background(), ts(2), true)
	require.NoError(t, err)
	require.True(t, out.Alerted)
	require.Len(t, out.Rows, 2)

	out, err = svc.PollOnce(context.Background(), ts(3), true)
	require.NoError(t, err)
	require.True(t, out.Result.Violated)
	require.False(t, out.Alerted, "second alert inside the cooldown is suppressed")

	require.Len(t, n.sent, 1)
	require.Equal(t, "orders", n.sent[0].Source)
	require.Len(t, store.alerts, 2)
	require.True(t, store.alerts[0].Delivered)
	require.True(t, store.alerts[1].Suppressed)
	require.Len(t, store.samples, 2)
	require.True(t, store.samples[0].Max.IntPart() == 9)
	require.NotNil(t, store.cursor)
	require.Equal(t, ts(3).Format(time.RFC3339Nano), store.cursor.Value)
}

func TestPollRetriesRecoverableErrors(t *testing.T) {
	src := &queueSource{
		errs:    []error{errors.New("connection reset"), errors.New("timeout")},
		batches: [][]differential.Row{{{"ts": ts(1), "value": 1}}},
	}
	svc := newTestService(t, src, &notes{}, nil)

	out, err := svc.PollOnce(context.Background(), ts(1), true)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	require.Equal(t, 3, src.calls)
}

func TestPollGivesUpAfterRetries(t *testing.T) {
	boom := errors.New("service unavailable")
	src := &queueSource{errs: []error{boom, boom, boom, boom}}
	svc := newTestService(t, src, &notes{}, nil)

	_, err := svc.PollOnce(context.Background(), ts(1), true)
	require.ErrorIs(t, err, boom)
	require.False(t, errors.Is(err, scheduler.ErrFatal))
	require.Equal(t, 3, src.calls, "one attempt plus two retries")
}

func TestPollFatalErrorsAreNotRetried(t *testing.T) {
	cases := map[string]error{
		"forbidden": &azcore.ResponseError{StatusCode: http.StatusForbidden},
		"no schema": fmt.Errorf("insert: %w", sqldb.ErrNoSchema),
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			src := &queueSource{errs: []error{cause}}
			svc := newTestService(t, src, &notes{}, nil)

			err := svc.Poll(context.Background(), ts(1))
			require.ErrorIs(t, err, scheduler.ErrFatal)
			require.Equal(t, 1, src.calls)
		})
	}
}

func TestPollNonNumericFailsEvaluation(t *testing.T) {
	src := &queueSource{batches: [][]differential.Row{{{"ts": ts(1), "value": "high"}}}}
	n := &notes{}
	store := &memoryStore{}
	svc := newTestService(t, src, n, store)

	_, err := svc.PollOnce(context.Background(), ts(1), true)
	require.Error(t, err)
	require.False(t, errors.Is(err, scheduler.ErrFatal))
	require.Empty(t, n.sent)
	require.Equal(t, "errored", store.samples[0].Status)
}

func TestDeliveryFailureSurfaces(t *testing.T) {
	src := &queueSource{batches: [][]differential.Row{{{"ts": ts(1), "value": 50}}}}
	n := &notes{err: errors.New("smtp: 421")}
	store := &memoryStore{}
	svc := newTestService(t, src, n, store)

	out, err := svc.PollOnce(context.Background(), ts(1), true)
	require.Error(t, err)
	require.False(t, out.Alerted)
	require.Len(t, store.alerts, 1)
	require.NotNil(t, store.alerts[0].Error)
	require.False(t, store.alerts[0].Suppressed)
}

func TestPartialDeliveryIsNotResent(t *testing.T) {
	src := &queueSource{batches: [][]differential.Row{{{"ts": ts(1), "value": 50}}}}
	ok := &notes{}
	failing := &notes{err: errors.New("telegram: 502")}
	store := &memoryStore{}
	svc := newTestService(t, src, alerting.MultiNotifier{ok, failing}, store)

	out, err := svc.PollOnce(context.Background(), ts(1), true)
	var partial *alerting.PartialError
	require.ErrorAs(t, err, &partial)
	require.True(t, out.Alerted)
	require.Len(t, ok.sent, 1, "a channel that delivered must not be retried")
	require.Len(t, store.alerts, 1)
	require.True(t, store.alerts[0].Delivered)

	src.batches = [][]differential.Row{{{"ts": ts(2), "value": 60}}}
	out, err = svc.PollOnce(context.Background(), ts(2), true)
	require.NoError(t, err)
	require.False(t, out.Alerted)
	require.Len(t, ok.sent, 1)
}

func TestRunResumesFromCheckpointOlderThanSeed(t *testing.T) {
	src := &queueSource{}
	checkpoint := ts(5)
	store := &memoryStore{cursor: &storage.CursorCheckpoint{Poller: "orders", Kind: "time", Value: checkpoint.Format(time.RFC3339)}}

	f, err := differential.NewFetcher(src, differential.Options{
		Column:  "ts",
		Backoff: 30 * time.Second,
		Now:     func() time.Time { return ts(30) },
	}, zerolog.Nop())
	require.NoError(t, err)
	sched := scheduler.New(scheduler.Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())
	svc, err := New(testConfig(), sched, f, nil, store, store, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, svc.Run(ctx), context.DeadlineExceeded)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.NotEmpty(t, src.seen)
	require.True(t, src.seen[0].Time.Equal(checkpoint), "first fetch should start at the checkpoint, got %s", src.seen[0])
}

func TestRunRestoresCheckpointAndStopsOnCancel(t *testing.T) {
	src := &queueSource{}
	store := &memoryStore{cursor: &storage.CursorCheckpoint{Poller: "orders", Kind: "time", Value: ts(30).Format(time.RFC3339)}}

	initial := differential.TimeCursor(ts(0))
	f, err := differential.NewFetcher(src, differential.Options{Column: "ts", Initial: &initial}, zerolog.Nop())
	require.NoError(t, err)
	sched := scheduler.New(scheduler.Options{Interval: 5 * time.Millisecond, Immediate: true}, zerolog.Nop())
	svc, err := New(testConfig(), sched, f, nil, store, store, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = svc.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, f.Cursor().Time.Equal(ts(30)))
	require.NotEmpty(t, store.samples)
}

func TestNewRequiresValueColumnWithThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Poller.ValueColumn = ""
	initial := differential.TimeCursor(ts(0))
	f, _ := differential.NewFetcher(&queueSource{}, differential.Options{Column: "ts", Initial: &initial}, zerolog.Nop())
	_, err := New(cfg, nil, f, nil, nil, nil, zerolog.Nop())
	require.Error(t, err)
}
