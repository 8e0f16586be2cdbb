package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"azure-utilities/internal/differential"
	"azure-utilities/internal/threshold"
)

func sampleNote() Notification {
	return Notification{
		Source:      "sql:orders",
		Column:      "amount",
		Rule:        "> 5",
		TriggeredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Violations: []threshold.Violation{
			{Condition: "greater_than", Value: decimal.NewFromInt(9), Bound: "5", Row: 0},
		},
		Rows: []differential.Row{{"amount": 9, "name": "<b>widget</b>"}},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("telegram notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "greater_than: 9 (bound 5)") {
		t.Fatalf("text should list the violation, got %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("smtp down")}

	err := MultiNotifier{bad, ok}.Notify(context.Background(), sampleNote())
	var partial *PartialError
	if !errors.As(err, &partial) || !strings.Contains(err.Error(), "smtp down") {
		t.Fatalf("expected partial error, got %v", err)
	}
	if partial.Delivered != 1 || len(partial.Failed) != 1 {
		t.Fatalf("unexpected partial result %+v", partial)
	}
	if len(ok.notes) != 1 {
		t.Fatal("a failing channel must not stop the others")
	}

	err = MultiNotifier{bad, bad}.Notify(context.Background(), sampleNote())
	if err == nil || errors.As(err, &partial) {
		t.Fatalf("total failure should not be partial, got %v", err)
	}
}

func TestRenderHTMLEscapesRows(t *testing.T) {
	html, err := RenderHTML(sampleNote())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(html, "<th>amount</th><th>name</th>") {
		t.Fatalf("header row missing: %s", html)
	}
	if strings.Contains(html, "<b>widget</b>") || !strings.Contains(html, "&lt;b&gt;widget&lt;/b&gt;") {
		t.Fatalf("row values should be escaped: %s", html)
	}
}

type recordingNotifier struct {
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	if r.err != nil {
		return r.err
	}
	r.notes = append(r.notes, note)
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
