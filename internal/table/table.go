// Package table wraps Azure Table Storage.
package table

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"azure-utilities/internal/azerr"
	"azure-utilities/internal/config"
	"azure-utilities/internal/differential"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "defaulttablepython"

// Entity is a table row keyed by property name.
type Entity map[string]any

// Client wraps an aztables service client and one table.
type Client struct {
	service  *aztables.ServiceClient
	table    *aztables.Client
	name     string
	autoKeys bool
	logger   zerolog.Logger
}

var _ differential.Source = (*Client)(nil)

// New builds a client from a connection string or an account name and key.
func New(cfg config.StorageConfig, logger zerolog.Logger) (*Client, error) {
	var (
		service *aztables.ServiceClient
		err     error
	)
	switch {
	case cfg.ConnectionString != "":
		service, err = aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, credErr := aztables.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("shared key credential: %w", credErr)
		}
		service, err = aztables.NewServiceClientWithSharedKey(fmt.Sprintf("https://%s.table.core.windows.net/", cfg.AccountName), cred, nil)
	default:
		return nil, errors.New("storage.connection_string or storage.account_name and storage.account_key are required")
	}
	if err != nil {
		return nil, fmt.Errorf("create table service client: %w", err)
	}

	name := cfg.Table
	if name == "" {
		name = DefaultTable
	}
	return &Client{
		service:  service,
		table:    service.NewClient(name),
		name:     name,
		autoKeys: cfg.AutoKeys,
		logger:   logger.With().Str("component", "table").Str("table", name).Logger(),
	}, nil
}

// Name returns the bound table name.
func (c *Client) Name() string { return c.name }

// CreateTable creates the bound table; an existing table is not an error.
func (c *Client) CreateTable(ctx context.Context) error {
	if _, err := c.service.CreateTable(ctx, c.name, nil); err != nil {
		if azerr.IsAlreadyExists(err, string(aztables.TableAlreadyExists)) {
			c.logger.Debug().Msg("table already exists")
			return nil
		}
		return fmt.Errorf("create table %s: %w", c.name, err)
	}
	c.logger.Info().Msg("table created")
	return nil
}

// Commit inserts or replaces one entity.
func (c *Client) Commit(ctx context.Context, entity Entity) error {
	if c.autoKeys {
		entity = withKeys(entity, randomPartition())
	}
	if err := requireKeys(entity); err != nil {
		return err
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	if _, err := c.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	c.logger.Debug().Interface("partition_key", entity["PartitionKey"]).Interface("row_key", entity["RowKey"]).Msg("entity committed")
	return nil
}

// CommitBatch submits the entities as one transaction. With auto keys the
// batch shares a single partition key.
func (c *Client) CommitBatch(ctx context.Context, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	partition := randomPartition()
	actions := make([]aztables.TransactionAction, 0, len(entities))
	for i, entity := range entities {
		if c.autoKeys {
			entity = withKeys(entity, partition)
		}
		if err := requireKeys(entity); err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
		payload, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("marshal entity %d: %w", i, err)
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
	}
	if _, err := c.table.SubmitTransaction(ctx, actions, nil); err != nil {
		return fmt.Errorf("submit transaction of %d entities: %w", len(actions), err)
	}
	c.logger.Info().Int("entities", len(actions)).Msg("batch committed")
	return nil
}

// Get returns one entity.
func (c *Client) Get(ctx context.Context, partitionKey, rowKey string) (Entity, error) {
	resp, err := c.table.GetEntity(ctx, partitionKey, rowKey, nil)
	if err != nil {
		return nil, fmt.Errorf("get entity %s/%s: %w", partitionKey, rowKey, err)
	}
	return decodeEntity(resp.Value)
}

// List returns every entity of the table.
func (c *Client) List(ctx context.Context) ([]Entity, error) {
	return c.QueryRaw(ctx, "", nil)
}

// QueryRaw runs an OData filter with an optional projection.
func (c *Client) QueryRaw(ctx context.Context, filter string, selectCols []string) ([]Entity, error) {
	opts := &aztables.ListEntitiesOptions{}
	if filter != "" {
		opts.Filter = to.Ptr(filter)
	}
	if sel := renderSelect(selectCols); sel != "" {
		opts.Select = to.Ptr(sel)
	}

	entities := []Entity{}
	pager := c.table.NewListEntitiesPager(opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", c.name, err)
		}
		for _, raw := range page.Entities {
			e, err := decodeEntity(raw)
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
	}
	c.logger.Debug().Str("filter", filter).Int("entities", len(entities)).Msg("query finished")
	return entities, nil
}

// QuerySQL accepts SQL-like select and where clauses and translates them to OData.
func (c *Client) QuerySQL(ctx context.Context, selectCols []string, where []string) ([]Entity, error) {
	return c.QueryRaw(ctx, RenderWhere(where), selectCols)
}

// FetchAfter returns entities whose column is strictly after the cursor.
func (c *Client) FetchAfter(ctx context.Context, column string, after differential.Cursor) ([]differential.Row, error) {
	entities, err := c.QueryRaw(ctx, CursorFilter(column, after), nil)
	if err != nil {
		return nil, err
	}
	rows := make([]differential.Row, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, differential.Row(e))
	}
	return rows, nil
}

func decodeEntity(raw []byte) (Entity, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var e Entity
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return e, nil
}

func withKeys(entity Entity, partition string) Entity {
	out := make(Entity, len(entity)+2)
	for k, v := range entity {
		out[k] = v
	}
	out["PartitionKey"] = partition
	out["RowKey"] = uuid.NewString()
	return out
}

func requireKeys(entity Entity) error {
	for _, key := range []string{"PartitionKey", "RowKey"} {
		if s, ok := entity[key].(string); !ok || s == "" {
			return fmt.Errorf("entity needs a string %s (or enable storage.auto_keys)", key)
		}
	}
	return nil
}

func randomPartition() string {
	return strconv.Itoa(rand.IntN(11))
}
