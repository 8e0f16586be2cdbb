package blob

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DownloadResult is the outcome of one blob download.
type DownloadResult struct {
	Blob string
	Path string
	Err  error
}

type downloadFunc func(ctx context.Context, name string) (string, error)

// downloadPool runs fn for every name with at most workers in flight. A failed
// item never cancels the others. Results are in completion order; the error
// joins every failure.
func downloadPool(ctx context.Context, names []string, workers int, fn downloadFunc) ([]DownloadResult, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make([]DownloadResult, 0, len(names))
		errs    []error
	)
	g.SetLimit(workers)

	for _, name := range names {
		g.Go(func() error {
			path, err := fn(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, DownloadResult{Blob: name, Path: path, Err: err})
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func countFailed(results []DownloadResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
