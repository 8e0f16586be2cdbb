package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"azure-utilities/internal/alerting"
	"azure-utilities/internal/azerr"
	"azure-utilities/internal/config"
	"azure-utilities/internal/differential"
	"azure-utilities/internal/identity"
	"azure-utilities/internal/metrics"
	"azure-utilities/internal/scheduler"
	"azure-utilities/internal/sqldb"
	"azure-utilities/internal/storage"
	"azure-utilities/internal/threshold"
)

// Outcome describes what a single poll did.
type Outcome struct {
	Rows    []differential.Row
	Result  threshold.Result
	Alerted bool
}

// Service orchestrates fetching, evaluation, persistence, and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	fetcher    *differential.Fetcher
	dispatcher *alerting.Dispatcher
	store      storage.SampleStore
	alertStore storage.AlertStore
	cursors    storage.CursorStore
	locker     storage.AdvisoryLocker
	logger     zerolog.Logger

	poller      string
	valueColumn string
	rule        threshold.Rule
	hasRule     bool
	channels    []string
	alertsOn    bool
	retries     uint64
	retryBase   time.Duration
	lockKey     int64
}

// New constructs the polling service. Any of sched, dispatcher, store and
// alertStore may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, fetcher *differential.Fetcher, dispatcher *alerting.Dispatcher, store storage.SampleStore, alertStore storage.AlertStore, logger zerolog.Logger) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("differential fetcher is required")
	}

	rule, err := threshold.FromConfig(cfg.Alerting.Threshold)
	hasRule := err == nil
	if err != nil && !errors.Is(err, threshold.ErrNoRule) {
		return nil, err
	}
	if hasRule && cfg.Poller.ValueColumn == "" {
		return nil, errors.New("poller.value_column is required when a threshold is configured")
	}

	s := &Service{
		scheduler:   sched,
		fetcher:     fetcher,
		dispatcher:  dispatcher,
		store:       store,
		alertStore:  alertStore,
		logger:      logger.With().Str("component", "service").Str("poller", cfg.Poller.Name).Logger(),
		poller:      cfg.Poller.Name,
		valueColumn: cfg.Poller.ValueColumn,
		rule:        rule,
		hasRule:     hasRule,
		channels:    cfg.Alerting.Channels,
		alertsOn:    cfg.Alerting.Enabled,
		retries:     cfg.Poller.Retries,
		retryBase:   cfg.Poller.RetryBaseDelay,
		lockKey:     cfg.Poller.AdvisoryLockKey,
	}
	if c, ok := store.(storage.CursorStore); ok {
		s.cursors = c
	}
	if l, ok := store.(storage.AdvisoryLocker); ok {
		s.locker = l
	}
	if s.retryBase <= 0 {
		s.retryBase = time.Second
	}
	return s, nil
}

// Rule returns the configured threshold rule and whether one is set.
func (s *Service) Rule() (threshold.Rule, bool) { return s.rule, s.hasRule }

// Run restores the checkpointed cursor and polls until ctx is cancelled or a
// fatal error occurs.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	s.restoreCursor(ctx)
	s.logger.Info().
		Str("column", s.fetcher.Column()).
		Str("cursor", s.fetcher.Cursor().String()).
		Str("rule", s.rule.String()).
		Dur("interval", s.scheduler.Interval()).
		Msg("poller started")
	return s.scheduler.Run(ctx, s.Poll)
}

// Poll performs one FETCH, EVALUATE, ALERT|SKIP cycle.
func (s *Service) Poll(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.PollOnce(ctx, at, s.alertsOn)
	return err
}

// PollOnce fetches new rows and handles them. Fatal errors are wrapped with
// scheduler.ErrFatal.
func (s *Service) PollOnce(ctx context.Context, at time.Time, alert bool) (Outcome, error) {
	start := time.Now()

	var rows []differential.Row
	err := s.retry(ctx, "fetch", func() error {
		var fetchErr error
		rows, fetchErr = s.fetcher.Fetch(ctx)
		return fetchErr
	})
	if err != nil {
		outcome := metrics.OutcomeError
		if IsFatal(err) {
			outcome = metrics.OutcomeFatal
			err = markFatal(err)
		}
		metrics.ObservePoll(s.poller, time.Since(start), outcome, 0)
		s.recordSample(ctx, storage.PollSample{TakenAt: at, Status: "errored", Error: errString(err)})
		return Outcome{}, fmt.Errorf("fetch rows: %w", err)
	}

	out, err := s.Handle(ctx, rows, at, alert)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObservePoll(s.poller, time.Since(start), outcome, len(rows))
	s.checkpoint(ctx)
	return out, err
}

// Handle evaluates a batch and dispatches an alert on violation.
func (s *Service) Handle(ctx context.Context, rows []differential.Row, at time.Time, alert bool) (Outcome, error) {
	out := Outcome{Rows: rows}
	sample := storage.PollSample{TakenAt: at, RowCount: len(rows)}

	if len(rows) == 0 {
		s.logger.Debug().Time("tick", at).Msg("no new rows")
		s.recordSample(ctx, sample)
		return out, nil
	}

	if !s.hasRule {
		s.logger.Info().Int("rows", len(rows)).Str("cursor", s.fetcher.Cursor().String()).Msg("rows fetched")
		s.recordSample(ctx, sample)
		return out, nil
	}

	res, err := s.rule.Evaluate(rows, s.valueColumn)
	if err != nil {
		sample.Status = "errored"
		sample.Error = errString(err)
		s.recordSample(ctx, sample)
		return out, fmt.Errorf("evaluate threshold: %w", err)
	}
	out.Result = res
	sample.Latest, sample.Max, sample.Mean = res.Latest, res.Max, res.Mean
	sample.Violated = res.Violated
	s.recordSample(ctx, sample)

	ev := s.logger.Info().Int("rows", len(rows)).Bool("violated", res.Violated)
	if res.Mean != nil {
		ev = ev.Str("mean", res.Mean.String())
	}
	ev.Msg("rows evaluated")

	if !res.Violated || !alert || s.dispatcher == nil {
		return out, nil
	}

	note := alerting.Notification{
		Source:      s.poller,
		Column:      s.valueColumn,
		Rule:        s.rule.String(),
		Violations:  res.Violations,
		Rows:        rows,
		TriggeredAt: at,
		Channels:    s.channels,
	}

	var sent bool
	dispatchErr := s.retry(ctx, "dispatch", func() error {
		var sendErr error
		sent, sendErr = s.dispatcher.Dispatch(ctx, note)
		if sent && sendErr != nil {
			// Some channels delivered; resending would duplicate them.
			return backoff.Permanent(sendErr)
		}
		return sendErr
	})
	metrics.ObserveAlert(s.poller, sent, dispatchErr)
	out.Alerted = sent
	s.recordAlert(ctx, note, sent, dispatchErr)

	if dispatchErr != nil {
		return out, fmt.Errorf("dispatch alert: %w", dispatchErr)
	}
	return out, nil
}

func (s *Service) retry(ctx context.Context, what string, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.retryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, s.retries), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && (IsFatal(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn().Err(err).Str("op", what).Dur("retry_in", wait).Msg("recoverable error, retrying")
	})
}

// IsFatal reports errors that retrying cannot fix: credentials, configuration,
// authentication and missing schema.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, scheduler.ErrFatal),
		errors.Is(err, identity.ErrMissingCredentials),
		errors.Is(err, sqldb.ErrNoSchema),
		errors.Is(err, differential.ErrMissingColumn):
		return true
	default:
		return azerr.IsAuthFailure(err)
	}
}

func markFatal(err error) error {
	if errors.Is(err, scheduler.ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", scheduler.ErrFatal, err)
}

func (s *Service) restoreCursor(ctx context.Context) {
	if s.cursors == nil {
		return
	}
	cp, err := s.cursors.LoadCursor(ctx, s.poller)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load cursor checkpoint")
		return
	}
	if cp == nil {
		return
	}
	cursor, err := differential.ParseCursor(differential.Kind(cp.Kind), cp.Value)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ignoring unreadable cursor checkpoint")
		return
	}
	if s.fetcher.Restore(cursor) {
		s.logger.Info().Str("cursor", cursor.String()).Msg("resumed from checkpoint")
	}
}

func (s *Service) checkpoint(ctx context.Context) {
	if s.cursors == nil {
		return
	}
	c := s.fetcher.Cursor()
	cp := storage.CursorCheckpoint{Poller: s.poller, Kind: string(c.Kind), Value: c.String()}
	if err := s.cursors.SaveCursor(ctx, cp); err != nil {
		s.logger.Error().Err(err).Msg("failed to checkpoint cursor")
	}
}

func (s *Service) recordSample(ctx context.Context, sample storage.PollSample) {
	if s.store == nil {
		return
	}
	sample.Poller = s.poller
	sample.Cursor = s.fetcher.Cursor().String()
	if err := s.store.UpsertSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Time("tick", sample.TakenAt).Msg("failed to upsert sample")
	}
}

func (s *Service) recordAlert(ctx context.Context, note alerting.Notification, sent bool, dispatchErr error) {
	if s.alertStore == nil {
		return
	}
	violations := make([]string, 0, len(note.Violations))
	for _, v := range note.Violations {
		violations = append(violations, v.String())
	}
	record := storage.AlertRecord{
		Poller:      s.poller,
		TriggeredAt: note.TriggeredAt,
		Rule:        note.Rule,
		Violations:  violations,
		RowCount:    len(note.Rows),
		Channels:    note.Channels,
		Delivered:   sent,
		Suppressed:  !sent && dispatchErr == nil,
		Error:       errString(dispatchErr),
	}
	if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist alert record")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	return &msg
}
