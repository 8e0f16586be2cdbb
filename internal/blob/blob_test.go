package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"azure-utilities/internal/config"
)

func TestDownloadPoolBoundsConcurrency(t *testing.T) {
	names := make([]string, 35)
	for i := range names {
		names[i] = fmt.Sprintf("file-%02d.csv", i)
	}

	var inFlight, peak atomic.Int32
	results, err := downloadPool(context.Background(), names, DefaultWorkers, func(_ context.Context, name string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return "/tmp/" + name, nil
	})

	require.NoError(t, err)
	require.Len(t, results, len(names))
	require.LessOrEqual(t, peak.Load(), int32(DefaultWorkers))
}

func TestDownloadPoolIsolatesFailures(t *testing.T) {
	names := []string{"a", "bad", "c", "worse"}
	var calls atomic.Int32
	results, err := downloadPool(context.Background(), names, 2, func(_ context.Context, name string) (string, error) {
		calls.Add(1)
		if name == "bad" || name == "worse" {
			return "", errors.New(name + " failed")
		}
		return name + ".out", nil
	})

	require.Error(t, err)
	require.Contains(t, err.Error(), "bad failed")
	require.Contains(t, err.Error(), "worse failed")
	require.Equal(t, int32(4), calls.Load(), "one failure must not cancel the rest")
	require.Len(t, results, 4)
	require.Equal(t, 2, countFailed(results))
}

func TestLocalPath(t *testing.T) {
	dir := t.TempDir()

	p, err := LocalPath(dir, "nested/dir/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "nested", "dir", "file.txt"), p)

	_, err = LocalPath(dir, "../../etc/passwd")
	require.Error(t, err)
}

func TestParseAccess(t *testing.T) {
	level, err := ParseAccess("")
	require.NoError(t, err)
	require.NotNil(t, level)

	level, err = ParseAccess("private")
	require.NoError(t, err)
	require.Nil(t, level)

	_, err = ParseAccess("public")
	require.Error(t, err)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(config.StorageConfig{}, zerolog.Nop())
	require.Error(t, err)

	c, err := New(config.StorageConfig{
		ConnectionString: "DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=a2V5;EndpointSuffix=core.windows.net",
	}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, DefaultWorkers, c.workers)
}

func TestDownloadRemovesFileOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ms-error-code", "BlobNotFound")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(config.StorageConfig{
		ConnectionString: "DefaultEndpointsProtocol=http;AccountName=acct;AccountKey=a2V5;BlobEndpoint=" + srv.URL + "/acct;",
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dir := t.TempDir()
	_, err = c.Download(ctx, "exports", "2024/missing.csv", dir)
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(dir, "2024", "missing.csv"))
}
