package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"azure-utilities/internal/config"
	"azure-utilities/internal/storage"
)

func testApp() *App {
	cfg := &config.Config{}
	cfg.Poller.Name = "orders"
	cfg.Poller.Column = "created_at"
	cfg.Poller.ValueColumn = "amount"
	cfg.Poller.Interval = time.Minute
	return NewApp(cfg, zerolog.Nop())
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestChannelEnabled(t *testing.T) {
	a := testApp()
	if !a.channelEnabled("email") {
		t.Fatalf("empty channel list should enable every channel")
	}
	a.Config.Alerting.Channels = []string{" Email "}
	if !a.channelEnabled("email") || a.channelEnabled("telegram") {
		t.Fatalf("channel filter not applied: %v", a.Config.Alerting.Channels)
	}
}

func TestNewNotifierNoneConfigured(t *testing.T) {
	n, err := testApp().newNotifier()
	if err != nil {
		t.Fatalf("newNotifier: %v", err)
	}
	if n != nil {
		t.Fatalf("expected nil notifier, got %T", n)
	}
}

func TestOpenSourceRejectsUnknownKind(t *testing.T) {
	a := testApp()
	a.Config.Poller.Source = "mongo"
	if _, _, err := a.openSource(context.Background()); err == nil || !strings.Contains(err.Error(), "mongo") {
		t.Fatalf("expected unknown source error, got %v", err)
	}
}

func TestNewFetcherUsesInitialCursor(t *testing.T) {
	a := testApp()
	a.Config.Poller.CursorKind = "number"
	f, err := a.newFetcher(staticSource(nil), "41")
	if err != nil {
		t.Fatalf("newFetcher: %v", err)
	}
	if got := f.Cursor().String(); got != "41" {
		t.Fatalf("cursor = %s, want 41", got)
	}
	if _, err := a.newFetcher(staticSource(nil), "not-a-number"); err == nil {
		t.Fatalf("expected parse error for bad cursor")
	}
}

func TestDownsampleSamples(t *testing.T) {
	samples := make([]storage.PollSample, 10)
	for i := range samples {
		samples[i].RowCount = i
	}
	got := downsampleSamples(samples, 4)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].RowCount != 0 || got[3].RowCount != 9 {
		t.Fatalf("endpoints not kept: %d..%d", got[0].RowCount, got[3].RowCount)
	}
	if len(downsampleSamples(samples, 1)) != 1 {
		t.Fatalf("max=1 should keep one sample")
	}
	if len(downsampleSamples(samples, 0)) != 10 {
		t.Fatalf("max=0 should keep everything")
	}
}

func TestWriteSamplesCSV(t *testing.T) {
	msg := "boom"
	samples := []storage.PollSample{
		{TakenAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Cursor: "7", RowCount: 2, Latest: dec("1.5"), Max: dec("2"), Mean: dec("1.25"), Violated: true, Status: "complete"},
		{TakenAt: time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC), Status: "errored", Error: &msg},
	}
	path := filepath.Join(t.TempDir(), "out", "samples.csv")
	if err := writeSamplesCSV(path, samples); err != nil {
		t.Fatalf("writeSamplesCSV: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(csvHeader, ",") {
		t.Fatalf("header = %v", records[0])
	}
	want := "2024-05-01T12:00:00Z,7,2,1.5,2,1.25,true,complete,"
	if got := strings.Join(records[1], ","); got != want {
		t.Fatalf("row = %s, want %s", got, want)
	}
	if records[2][3] != "" || records[2][8] != "boom" {
		t.Fatalf("errored row = %v", records[2])
	}
}

func TestWriteSamplesPNGNeedsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	if err := writeSamplesPNG(path, "amount", []storage.PollSample{{Status: "complete"}}); err == nil {
		t.Fatalf("expected error without evaluated samples")
	}
}

func TestWriteSamplesTable(t *testing.T) {
	var buf bytes.Buffer
	msg := "line1\nline2"
	err := writeSamples(&buf, []storage.PollSample{{TakenAt: time.Unix(0, 0), Cursor: "c", Status: "errored", Error: &msg}})
	if err != nil {
		t.Fatalf("writeSamples: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "line1 line2") || !strings.Contains(out, "Violated") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	buf.Reset()
	if err := writeAlerts(&buf, nil); err != nil || !strings.Contains(buf.String(), "no alerts found") {
		t.Fatalf("empty alerts output = %q, err %v", buf.String(), err)
	}
}

func TestSyntheticRows(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := syntheticRows("amount", "created_at", []float64{1, 2.5}, now)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if v := rows[1]["amount"].(decimal.Decimal); !v.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("value = %s", v)
	}
	first := rows[0]["created_at"].(time.Time)
	second := rows[1]["created_at"].(time.Time)
	if !first.Before(second) || second.After(now) {
		t.Fatalf("timestamps not ascending before now: %s %s", first, second)
	}
}

func TestReplayRequiresCursor(t *testing.T) {
	if err := testApp().Replay(context.Background(), ReplayOptions{}); err == nil {
		t.Fatalf("expected error without --from")
	}
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	if err := testApp().SimulateAlert(context.Background(), []float64{1}); err == nil {
		t.Fatalf("expected error when alerting disabled")
	}
}

func TestCleanupGroupRequired(t *testing.T) {
	a := testApp()
	if _, err := a.CleanupGroup(""); err == nil {
		t.Fatalf("expected error without a group")
	}
	a.Config.Cleanup.ResourceGroup = "sql"
	if g, _ := a.CleanupGroup(""); g != "sql" {
		t.Fatalf("group = %s", g)
	}
	if g, _ := a.CleanupGroup("other"); g != "other" {
		t.Fatalf("override = %s", g)
	}
}

func TestGenerateCleanupWritesApp(t *testing.T) {
	a := testApp()
	dir := t.TempDir()
	files, err := a.GenerateCleanup(dir, false)
	if err != nil {
		t.Fatalf("GenerateCleanup: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
}

type retentionStore struct {
	storage.AlertStore
	cutoffs []time.Time
}

func (r *retentionStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	r.cutoffs = append(r.cutoffs, olderThan)
	return nil
}

func TestPruneAlertsHonoursRetention(t *testing.T) {
	a := testApp()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &retentionStore{}

	a.pruneAlerts(context.Background(), store, now)
	if len(store.cutoffs) != 0 {
		t.Fatalf("zero retention should keep every alert, got %v", store.cutoffs)
	}

	a.Config.Database.AlertRetention = 72 * time.Hour
	a.pruneAlerts(context.Background(), store, now)
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(now.Add(-72*time.Hour)) {
		t.Fatalf("unexpected prune cutoffs %v", store.cutoffs)
	}
}
