package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"azure-utilities/internal/alerting"
	"azure-utilities/internal/differential"
	"azure-utilities/internal/resources"
)

// PortEnv is set by the Functions host for custom handlers.
const PortEnv = "FUNCTIONS_CUSTOMHANDLER_PORT"

type invokeRequest struct {
	Data     map[string]json.RawMessage `json:"Data"`
	Metadata map[string]json.RawMessage `json:"Metadata"`
}

type timerInfo struct {
	IsPastDue bool `json:"IsPastDue"`
}

type invokeResponse struct {
	Outputs     map[string]any `json:"Outputs"`
	Logs        []string       `json:"Logs"`
	ReturnValue any            `json:"ReturnValue"`
}

// Handler serves the custom-handler invocation for the timer trigger.
type Handler struct {
	groups   resources.GroupManager
	group    string
	trigger  string
	notifier alerting.Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewHandler builds the handler. notifier may be nil.
func NewHandler(groups resources.GroupManager, group, trigger string, notifier alerting.Notifier, logger zerolog.Logger) *Handler {
	if trigger == "" {
		trigger = DefaultTrigger
	}
	return &Handler{
		groups:   groups,
		group:    group,
		trigger:  trigger,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With().Str("component", "cleanup_handler").Str("group", group).Logger(),
	}
}

// Router exposes POST /<trigger>.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/"+h.trigger, h.serveTimer).Methods(http.MethodPost)
	return r
}

func (h *Handler) serveTimer(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid invocation payload", http.StatusBadRequest)
		return
	}
	var logs []string
	if raw, ok := req.Data[h.trigger]; ok {
		var timer timerInfo
		if json.Unmarshal(raw, &timer) == nil && timer.IsPastDue {
			h.logger.Info().Msg("the timer is past due")
			logs = append(logs, "the timer is past due")
		}
	}

	report := h.Run(r.Context())
	logs = append(logs, report.Summary())
	for _, res := range report.Resources {
		logs = append(logs, fmt.Sprintf("%s (%s, %s)", res.Name, res.Type, res.Location))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(invokeResponse{Outputs: map[string]any{}, Logs: logs})
}

// Run performs the cleanup and emails a listing of the deleted resources.
func (h *Handler) Run(ctx context.Context) resources.CleanupReport {
	report := resources.CleanUp(ctx, h.groups, h.group, h.logger)
	h.logger.Info().Time("ran_at", h.now().UTC()).Msg("cleanup function ran")
	if h.notifier == nil || !report.Deleted {
		return report
	}
	if err := h.notifier.Notify(ctx, ReportNotification(report, h.now())); err != nil {
		h.logger.Error().Err(err).Msg("cleanup email failed")
	}
	return report
}

// RunCleanup runs one best-effort cleanup outside the Functions host.
func RunCleanup(ctx context.Context, groups resources.GroupManager, group string, notifier alerting.Notifier, logger zerolog.Logger) resources.CleanupReport {
	return NewHandler(groups, group, "", notifier, logger).Run(ctx)
}

// ReportNotification turns a cleanup report into an email-ready notification.
func ReportNotification(report resources.CleanupReport, at time.Time) alerting.Notification {
	rows := make([]differential.Row, 0, len(report.Resources))
	for _, r := range report.Resources {
		rows = append(rows, differential.Row{"name": r.Name, "type": r.Type, "location": r.Location})
	}
	return alerting.Notification{
		Source:      "cleanup",
		Subject:     "Deleted all the resources for resource group " + report.Group,
		Body:        fmt.Sprintf("The scheduled cleanup deleted resource group %s and the %d resources below.", report.Group, len(report.Resources)),
		Rows:        rows,
		TriggeredAt: at,
	}
}

// Serve listens on FUNCTIONS_CUSTOMHANDLER_PORT (or addr) until ctx ends.
func Serve(ctx context.Context, addr string, h *Handler) error {
	if port := os.Getenv(PortEnv); port != "" {
		addr = net.JoinHostPort("", port)
	}
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: h.Router(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	h.logger.Info().Str("addr", addr).Msg("cleanup handler listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
