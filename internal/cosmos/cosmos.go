// Package cosmos wraps Azure Cosmos DB SQL API databases and containers.
package cosmos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/rs/zerolog"

	"azure-utilities/internal/azerr"
	"azure-utilities/internal/config"
	"azure-utilities/internal/differential"
)

// DefaultPartitionKeyPath is used when none is configured.
const DefaultPartitionKeyPath = "/id"

// Document is a JSON document.
type Document map[string]any

// Client is bound to one database and container.
type Client struct {
	client        *azcosmos.Client
	databaseName  string
	containerName string
	partitionPath string
	container     *azcosmos.ContainerClient
	logger        zerolog.Logger
}

var _ differential.Source = (*Client)(nil)

// New builds a key-authenticated client. Endpoint and key fall back to
// ACCOUNT_URI and ACCOUNT_KEY.
func New(cfg config.CosmosConfig, logger zerolog.Logger) (*Client, error) {
	endpoint := firstNonEmpty(cfg.Endpoint, os.Getenv("ACCOUNT_URI"))
	key := firstNonEmpty(cfg.Key, os.Getenv("ACCOUNT_KEY"))
	if endpoint == "" || key == "" {
		return nil, errors.New("cosmos.endpoint and cosmos.key are required")
	}
	cred, err := azcosmos.NewKeyCredential(key)
	if err != nil {
		return nil, fmt.Errorf("cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create cosmos client: %w", err)
	}
	return &Client{
		client:        client,
		databaseName:  cfg.Database,
		containerName: cfg.Container,
		partitionPath: NormalizePath(cfg.PartitionKeyPath),
		logger:        logger.With().Str("component", "cosmos").Str("database", cfg.Database).Logger(),
	}, nil
}

// EnsureDatabase creates the database when missing.
func (c *Client) EnsureDatabase(ctx context.Context) error {
	_, err := c.client.CreateDatabase(ctx, azcosmos.DatabaseProperties{ID: c.databaseName}, nil)
	if err != nil && !azerr.IsAlreadyExists(err) {
		return fmt.Errorf("create database %s: %w", c.databaseName, err)
	}
	c.logger.Info().Bool("existed", err != nil).Msg("database ready")
	return nil
}

// EnsureContainer creates the container when missing and binds the client to it.
func (c *Client) EnsureContainer(ctx context.Context, name, partitionKeyPath string) error {
	if name == "" {
		name = c.containerName
	}
	if partitionKeyPath != "" {
		c.partitionPath = NormalizePath(partitionKeyPath)
	}
	db, err := c.client.NewDatabase(c.databaseName)
	if err != nil {
		return fmt.Errorf("database client %s: %w", c.databaseName, err)
	}
	_, err = db.CreateContainer(ctx, azcosmos.ContainerProperties{
		ID:                     name,
		PartitionKeyDefinition: azcosmos.PartitionKeyDefinition{Paths: []string{c.partitionPath}},
	}, nil)
	if err != nil && !azerr.IsAlreadyExists(err) {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	c.containerName = name
	c.container = nil
	c.logger.Info().Str("container", name).Str("partition_key", c.partitionPath).Msg("container ready")
	return nil
}

func (c *Client) containerClient() (*azcosmos.ContainerClient, error) {
	if c.container != nil {
		return c.container, nil
	}
	cc, err := c.client.NewContainer(c.databaseName, c.containerName)
	if err != nil {
		return nil, fmt.Errorf("container client %s: %w", c.containerName, err)
	}
	c.container = cc
	return cc, nil
}

// Upsert writes one or many documents.
func (c *Client) Upsert(ctx context.Context, docs ...Document) error {
	cc, err := c.containerClient()
	if err != nil {
		return err
	}
	for i, doc := range docs {
		pk, err := PartitionKeyOf(doc, c.partitionPath)
		if err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal document %d: %w", i, err)
		}
		if _, err := cc.UpsertItem(ctx, pk, payload, nil); err != nil {
			return fmt.Errorf("upsert document %d: %w", i, err)
		}
	}
	c.logger.Debug().Int("documents", len(docs)).Msg("documents upserted")
	return nil
}

// Param is a named query parameter such as "@cursor".
type Param struct {
	Name  string
	Value any
}

// Query runs a cross-partition SQL query.
func (c *Client) Query(ctx context.Context, query string, params ...Param) ([]Document, error) {
	cc, err := c.containerClient()
	if err != nil {
		return nil, err
	}
	opts := &azcosmos.QueryOptions{}
	for _, p := range params {
		opts.QueryParameters = append(opts.QueryParameters, azcosmos.QueryParameter{Name: p.Name, Value: p.Value})
	}

	docs := []Document{}
	pager := cc.NewQueryItemsPager(query, azcosmos.NewPartitionKey(), opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", c.containerName, err)
		}
		for _, raw := range page.Items {
			doc, err := decodeDocument(raw)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	SortByTimestamp(docs)
	return docs, nil
}

// All returns every document in the container.
func (c *Client) All(ctx context.Context) ([]Document, error) {
	return c.Query(ctx, "SELECT * FROM c")
}

// FetchAfter returns documents whose column is strictly after the cursor.
func (c *Client) FetchAfter(ctx context.Context, column string, after differential.Cursor) ([]differential.Row, error) {
	query, err := CursorQuery(column)
	if err != nil {
		return nil, err
	}
	docs, err := c.Query(ctx, query, Param{Name: "@cursor", Value: cursorParam(after)})
	if err != nil {
		return nil, err
	}
	rows := make([]differential.Row, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, differential.Row(d))
	}
	return rows, nil
}

var propertyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CursorQuery renders the differential query for a top-level property.
func CursorQuery(column string) (string, error) {
	if !propertyPattern.MatchString(column) {
		return "", fmt.Errorf("invalid cursor property %q", column)
	}
	return fmt.Sprintf("SELECT * FROM c WHERE c.%s > @cursor", column), nil
}

func cursorParam(c differential.Cursor) any {
	switch c.Kind {
	case differential.KindNumber:
		f, _ := c.Number.Float64()
		return f
	case differential.KindTime:
		return c.Time.Unix()
	default:
		return c.Text
	}
}

// NormalizePath makes sure a partition key path starts with "/".
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPartitionKeyPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// PartitionKeyOf reads the partition key value at path from the document.
func PartitionKeyOf(doc Document, path string) (azcosmos.PartitionKey, error) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(strings.TrimPrefix(NormalizePath(path), "/"), "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return azcosmos.PartitionKey{}, fmt.Errorf("partition key %s not found", path)
		}
		if cur, ok = m[part]; !ok {
			return azcosmos.PartitionKey{}, fmt.Errorf("partition key %s not found", path)
		}
	}
	switch v := cur.(type) {
	case string:
		return azcosmos.NewPartitionKeyString(v), nil
	case bool:
		return azcosmos.NewPartitionKeyBool(v), nil
	case nil:
		return azcosmos.NullPartitionKey, nil
	default:
		if d, ok := differential.Numeric(v); ok {
			f, _ := d.Float64()
			return azcosmos.NewPartitionKeyNumber(f), nil
		}
		return azcosmos.PartitionKey{}, fmt.Errorf("partition key %s has unsupported type %T", path, v)
	}
}

// SortByTimestamp orders documents by _ts when every document carries it.
func SortByTimestamp(docs []Document) {
	for _, d := range docs {
		if _, ok := differential.Numeric(d["_ts"]); !ok {
			return
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := differential.Numeric(docs[i]["_ts"])
		b, _ := differential.Numeric(docs[j]["_ts"])
		return a.LessThan(b)
	})
}

func decodeDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
