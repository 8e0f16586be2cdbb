// Package blob wraps Azure Blob Storage containers.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/rs/zerolog"

	"azure-utilities/internal/azerr"
	"azure-utilities/internal/config"
)

// DefaultWorkers is the fixed width of the bulk download pool.
const DefaultWorkers = 10

// Client wraps an azblob client bound to a storage account.
type Client struct {
	client  *azblob.Client
	workers int
	logger  zerolog.Logger
}

// New builds a client from a connection string or an account name and key.
func New(cfg config.StorageConfig, logger zerolog.Logger) (*Client, error) {
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName), cred, nil)
	default:
		return nil, errors.New("storage.connection_string or storage.account_name and storage.account_key are required")
	}
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	workers := cfg.DownloadWorkers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Client{client: client, workers: workers, logger: logger.With().Str("component", "blob").Logger()}, nil
}

// ParseAccess maps "blob", "container" or "private" to an access level.
func ParseAccess(s string) (*azblob.PublicAccessType, error) {
	switch strings.ToLower(s) {
	case "", "blob":
		return to.Ptr(azblob.PublicAccessTypeBlob), nil
	case "container":
		return to.Ptr(azblob.PublicAccessTypeContainer), nil
	case "private", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown public access level %q", s)
	}
}

// CreateContainerIfNotExists creates the container; an existing one is not an error.
func (c *Client) CreateContainerIfNotExists(ctx context.Context, name, access string) error {
	level, err := ParseAccess(access)
	if err != nil {
		return err
	}
	_, err = c.client.CreateContainer(ctx, name, &azblob.CreateContainerOptions{Access: level})
	if err != nil {
		if azerr.IsAlreadyExists(err, "ContainerAlreadyExists") {
			c.logger.Debug().Str("container", name).Msg("container already exists")
			return nil
		}
		return fmt.Errorf("create container %s: %w", name, err)
	}
	c.logger.Info().Str("container", name).Msg("container created")
	return nil
}

// UploadFile uploads a local file. An empty blob name uses the file's base name.
func (c *Client) UploadFile(ctx context.Context, container, blobName, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if blobName == "" {
		blobName = filepath.Base(path)
	}
	if _, err := c.client.UploadFile(ctx, container, blobName, f, nil); err != nil {
		return fmt.Errorf("upload %s: %w", blobName, err)
	}
	c.logger.Info().Str("container", container).Str("blob", blobName).Msg("file uploaded")
	return nil
}

// UploadBytes uploads an in-memory payload.
func (c *Client) UploadBytes(ctx context.Context, container, blobName string, data []byte) error {
	if _, err := c.client.UploadBuffer(ctx, container, blobName, data, nil); err != nil {
		return fmt.Errorf("upload %s: %w", blobName, err)
	}
	c.logger.Info().Str("container", container).Str("blob", blobName).Int("bytes", len(data)).Msg("buffer uploaded")
	return nil
}

// ListBlobs returns every blob name in the container. An empty container yields an empty slice.
func (c *Client) ListBlobs(ctx context.Context, container string) ([]string, error) {
	names := []string{}
	pager := c.client.NewListBlobsFlatPager(container, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs in %s: %w", container, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item != nil && item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

// Download writes one blob to localDir/blobName, creating parent directories.
func (c *Client) Download(ctx context.Context, container, blobName, localDir string) (string, error) {
	path, err := LocalPath(localDir, blobName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", blobName, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := c.client.DownloadFile(ctx, container, blobName, f, nil); err != nil {
		f.Close()
		// Leave no partial file behind.
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn().Err(rmErr).Str("path", path).Msg("failed to remove partial download")
		}
		return "", fmt.Errorf("download %s: %w", blobName, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	c.logger.Debug().Str("blob", blobName).Str("path", path).Msg("blob downloaded")
	return path, nil
}

// DownloadAll downloads every blob of the container into localDir.
func (c *Client) DownloadAll(ctx context.Context, container, localDir string) ([]DownloadResult, error) {
	names, err := c.ListBlobs(ctx, container)
	if err != nil {
		return nil, err
	}
	results, err := downloadPool(ctx, names, c.workers, func(ctx context.Context, name string) (string, error) {
		return c.Download(ctx, container, name, localDir)
	})
	c.logger.Info().Str("container", container).Int("blobs", len(names)).Int("failed", countFailed(results)).Msg("bulk download finished")
	return results, err
}

// LocalPath joins a blob name under dir and rejects names that escape it.
func LocalPath(dir, blobName string) (string, error) {
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, filepath.FromSlash(blobName))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("blob name %q escapes %s", blobName, dir)
	}
	return path, nil
}
