package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"azure-utilities/internal/differential"
	"azure-utilities/internal/service"
)

// SimulateAlert feeds synthetic rows through evaluation and alerting, bypassing
// the data source.
func (a *App) SimulateAlert(ctx context.Context, values []float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	if len(values) == 0 {
		return errors.New("at least one value is required")
	}

	dispatcher, err := a.newDispatcher()
	if err != nil {
		return err
	}
	if dispatcher == nil {
		return errors.New("no alert channel configured")
	}

	fetcher, err := differential.NewFetcher(staticSource(nil), differential.Options{
		Column: a.Config.Poller.DefaultColumn(),
		Kind:   differential.KindTime,
	}, a.Logger)
	if err != nil {
		return err
	}
	svc, err := service.New(a.Config, nil, fetcher, dispatcher, nil, nil, a.Logger)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	out, err := svc.Handle(ctx, syntheticRows(a.Config.Poller.ValueColumn, a.Config.Poller.DefaultColumn(), values, now), now, true)
	if err != nil {
		return err
	}
	if !out.Result.Violated {
		a.Logger.Info().Msg("simulated values do not violate the threshold; nothing sent")
	}
	return nil
}

func syntheticRows(valueColumn, cursorColumn string, values []float64, now time.Time) []differential.Row {
	rows := make([]differential.Row, 0, len(values))
	for i, v := range values {
		rows = append(rows, differential.Row{
			cursorColumn: now.Add(time.Duration(i-len(values)) * time.Second),
			valueColumn:  decimal.NewFromFloat(v),
		})
	}
	return rows
}

func staticSource(rows []differential.Row) differential.SourceFunc {
	return func(context.Context, string, differential.Cursor) ([]differential.Row, error) {
		return rows, nil
	}
}
