package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"azure-utilities/internal/storage"
)

// Show prints recent poll samples, or recent alerts when opts.Alerts is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlerts(os.Stdout, alerts)
	}

	samples, err := store.ListRecentSamples(ctx, a.Config.Poller.Name, opts.Limit)
	if err != nil {
		return err
	}
	return writeSamples(os.Stdout, samples)
}

func writeSamples(out io.Writer, samples []storage.PollSample) error {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tCursor\tRows\tLatest\tMax\tMean\tViolated\tStatus\tError")
	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			sample.TakenAt.UTC().Format(time.RFC3339),
			sample.Cursor,
			sample.RowCount,
			formatDecimal(sample.Latest),
			formatDecimal(sample.Max),
			formatDecimal(sample.Mean),
			sample.Violated,
			sample.Status,
			errMsg,
		)
	}
	return writer.Flush()
}

func writeAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPoller\tRule\tRows\tChannels\tDelivered\tSuppressed\tError")
	for _, alert := range alerts {
		errMsg := ""
		if alert.Error != nil {
			errMsg = sanitizeInline(*alert.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%t\t%t\t%s\n",
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			alert.Poller,
			alert.Rule,
			alert.RowCount,
			strings.Join(alert.Channels, ","),
			alert.Delivered,
			alert.Suppressed,
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
