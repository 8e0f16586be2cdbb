package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"azure-utilities/internal/alerting"
	"azure-utilities/internal/config"
	"azure-utilities/internal/differential"
	"azure-utilities/internal/metrics"
	"azure-utilities/internal/scheduler"
	"azure-utilities/internal/service"
	"azure-utilities/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newNotifier returns the enabled channels, or nil when none is enabled.
func (a *App) newNotifier() (alerting.Notifier, error) {
	var notifiers alerting.MultiNotifier
	if a.Config.Alerting.Email.Enabled && a.channelEnabled("email") {
		email, err := alerting.NewEmailNotifier(a.Config.Alerting.Email, a.Logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, email)
	}
	if a.Config.Alerting.Telegram.Enabled && a.channelEnabled("telegram") {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	switch len(notifiers) {
	case 0:
		return nil, nil
	case 1:
		return notifiers[0], nil
	default:
		return notifiers, nil
	}
}

// channelEnabled treats an empty channel list as "all enabled channels".
func (a *App) channelEnabled(name string) bool {
	if len(a.Config.Alerting.Channels) == 0 {
		return true
	}
	for _, c := range a.Config.Alerting.Channels {
		if strings.EqualFold(strings.TrimSpace(c), name) {
			return true
		}
	}
	return false
}

func (a *App) newDispatcher() (*alerting.Dispatcher, error) {
	notifier, err := a.newNotifier()
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		return nil, nil
	}
	return alerting.NewDispatcher(notifier, a.Config.Alerting.Cooldown, a.Logger), nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// pruneAlerts drops alert history older than database.alert_retention.
func (a *App) pruneAlerts(ctx context.Context, alerts storage.AlertStore, now time.Time) {
	retention := a.Config.Database.AlertRetention
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)
	if err := alerts.DeleteAlertsBefore(ctx, cutoff); err != nil {
		a.Logger.Warn().Err(err).Time("cutoff", cutoff).Msg("failed to prune alert history")
		return
	}
	a.Logger.Info().Time("cutoff", cutoff).Msg("pruned alert history")
}

func (a *App) newFetcher(source differential.Source, initial string) (*differential.Fetcher, error) {
	kind, err := differential.ParseKind(a.Config.Poller.DefaultCursorKind())
	if err != nil {
		return nil, err
	}
	opts := differential.Options{
		Column:  a.Config.Poller.DefaultColumn(),
		Kind:    kind,
		Backoff: a.Config.Poller.Interval,
	}
	if initial == "" {
		initial = a.Config.Poller.InitialCursor
	}
	if initial != "" {
		c, err := differential.ParseCursor(kind, initial)
		if err != nil {
			return nil, err
		}
		opts.Initial = &c
	}
	return differential.NewFetcher(source, opts, a.Logger)
}

// WatchOptions configure the watch command.
type WatchOptions struct {
	MetricsAddr string
}

// Watch runs the differential poller until interrupted.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		a.pruneAlerts(ctx, store, time.Now().UTC())
	}
	if closeStore != nil {
		defer closeStore()
	}

	source, closeSource, err := a.openSource(ctx)
	if err != nil {
		return err
	}
	defer closeSource()

	fetcher, err := a.newFetcher(source, "")
	if err != nil {
		return err
	}

	var dispatcher *alerting.Dispatcher
	if a.Config.Alerting.Enabled {
		if dispatcher, err = a.newDispatcher(); err != nil {
			return err
		}
		if dispatcher == nil {
			a.Logger.Warn().Msg("alerting enabled but no channel configured; alerts will be skipped")
		}
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Poller.Interval,
		AlignToStart: a.Config.Poller.AlignToInterval,
		StartupDelay: a.Config.Poller.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	var sampleStore storage.SampleStore
	var alertStore storage.AlertStore
	if store != nil {
		sampleStore = store
		alertStore = store
	}

	svc, err := service.New(a.Config, sched, fetcher, dispatcher, sampleStore, alertStore, a.Logger)
	if err != nil {
		return err
	}

	addr := opts.MetricsAddr
	if addr == "" {
		addr = a.Config.Metrics.ListenAddr
	}
	if addr != "" {
		stopMetrics, err := a.serveMetrics(addr, cancel)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	a.Logger.Info().Str("source", a.Config.Poller.Source).Msg("starting poller")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("poller terminated with error")
		return err
	}

	a.Logger.Info().Msg("poller stopped")
	return nil
}

func (a *App) serveMetrics(addr string, stop context.CancelFunc) (func(), error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	path := a.Config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		a.Logger.Info().Str("address", addr).Str("path", path).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server exited")
			stop()
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}, nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	From       string
	DryRun     bool
	MaxBatches int
}
