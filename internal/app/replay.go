package app

import (
	"context"
	"errors"
	"time"

	"azure-utilities/internal/service"
	"azure-utilities/internal/storage"
)

const defaultReplayBatches = 1000

// Replay drains every row after opts.From once, recording samples without
// alerting.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.From == "" {
		return errors.New("replay needs a starting cursor")
	}
	maxBatches := opts.MaxBatches
	if maxBatches <= 0 {
		maxBatches = defaultReplayBatches
	}

	var sampleStore storage.SampleStore
	if opts.DryRun {
		a.Logger.Warn().Msg("replay dry-run: nothing will be written to the database")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot replay")
		}
		if closeStore != nil {
			defer closeStore()
		}
		sampleStore = store
	}

	source, closeSource, err := a.openSource(ctx)
	if err != nil {
		return err
	}
	defer closeSource()

	fetcher, err := a.newFetcher(source, opts.From)
	if err != nil {
		return err
	}
	svc, err := service.New(a.Config, nil, fetcher, nil, sampleStore, nil, a.Logger)
	if err != nil {
		return err
	}

	total := 0
	for batch := 0; batch < maxBatches; batch++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := svc.PollOnce(ctx, time.Now().UTC(), false)
		if err != nil {
			return err
		}
		if len(out.Rows) == 0 {
			break
		}
		total += len(out.Rows)
		if out.Result.Violated {
			a.Logger.Info().Int("batch", batch).Int("violations", len(out.Result.Violations)).Msg("replayed batch violates threshold")
		}
	}

	a.Logger.Info().Int("rows", total).Str("cursor", fetcher.Cursor().String()).Msg("replay finished")
	return nil
}
