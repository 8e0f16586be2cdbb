package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"azure-utilities/internal/cosmos"
	"azure-utilities/internal/table"
)

var (
	blobContainer string
	blobAccess    string
	blobName      string
	blobDir       string
	tableName     string
	tableData     string
	tableFile     string
	tableBatch    bool
	tableSelect   []string
	tableWhere    []string
	tableFilter   string
	cosmosName    string
	cosmosPKPath  string
	cosmosData    string
	cosmosFile    string
)

var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Work with blob containers",
}

func containerName(fallback string) string {
	if blobContainer != "" {
		return blobContainer
	}
	return fallback
}

func cosmosClient() (*cosmos.Client, error) {
	a := getApp()
	cfg := a.Config.Cosmos
	if cosmosName != "" {
		a.Config.Cosmos.Container = cosmosName
		defer func() { a.Config.Cosmos = cfg }()
	}
	return a.Cosmos()
}

var blobCreateContainerCmd = &cobra.Command{
	Use:   "create-container [NAME]",
	Short: "Create a container unless it already exists",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		name := a.Config.Storage.Container
		if len(args) == 1 {
			name = args[0]
		}
		c, err := a.Blob()
		if err != nil {
			return err
		}
		return c.CreateContainerIfNotExists(cmd.Context(), name, blobAccess)
	},
}

var blobUploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a local file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		c, err := a.Blob()
		if err != nil {
			return err
		}
		return c.UploadFile(cmd.Context(), containerName(a.Config.Storage.Container), blobName, args[0])
	},
}

var blobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blob names in a container",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		c, err := a.Blob()
		if err != nil {
			return err
		}
		names, err := c.ListBlobs(cmd.Context(), containerName(a.Config.Storage.Container))
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var blobDownloadCmd = &cobra.Command{
	Use:   "download BLOB",
	Short: "Download one blob into --dir",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		c, err := a.Blob()
		if err != nil {
			return err
		}
		path, err := c.Download(cmd.Context(), containerName(a.Config.Storage.Container), args[0], blobDir)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var blobDownloadAllCmd = &cobra.Command{
	Use:   "download-all",
	Short: "Download every blob of a container in parallel",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		c, err := a.Blob()
		if err != nil {
			return err
		}
		results, err := c.DownloadAll(cmd.Context(), containerName(a.Config.Storage.Container), blobDir)
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed %s: %v\n", r.Blob, r.Err)
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Path)
		}
		return err
	},
}

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Work with Azure Table storage",
}

var tableCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the table unless it already exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getApp().Table(tableName)
		if err != nil {
			return err
		}
		return c.CreateTable(cmd.Context())
	},
}

var tableInsertCmd = &cobra.Command{
	Use:   "insert",
	Short: "Upsert entities from --data or --file",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := readDocuments(tableData, tableFile)
		if err != nil {
			return err
		}
		c, err := getApp().Table(tableName)
		if err != nil {
			return err
		}
		if tableBatch {
			entities := make([]table.Entity, 0, len(docs))
			for _, d := range docs {
				entities = append(entities, table.Entity(d))
			}
			return c.CommitBatch(cmd.Context(), entities)
		}
		for _, d := range docs {
			if err := c.Commit(cmd.Context(), table.Entity(d)); err != nil {
				return err
			}
		}
		return nil
	},
}

var tableQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query entities with SQL-like --where clauses or a raw --filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getApp().Table(tableName)
		if err != nil {
			return err
		}
		var entities []table.Entity
		if tableFilter != "" {
			entities, err = c.QueryRaw(cmd.Context(), tableFilter, tableSelect)
		} else {
			entities, err = c.QuerySQL(cmd.Context(), tableSelect, tableWhere)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entities)
	},
}

var tableGetCmd = &cobra.Command{
	Use:   "get PARTITION_KEY ROW_KEY",
	Short: "Fetch a single entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getApp().Table(tableName)
		if err != nil {
			return err
		}
		e, err := c.Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), e)
	},
}

var cosmosCmd = &cobra.Command{
	Use:   "cosmos",
	Short: "Work with Cosmos DB",
}

var cosmosInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and container when missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cosmosClient()
		if err != nil {
			return err
		}
		if err := c.EnsureDatabase(cmd.Context()); err != nil {
			return err
		}
		return c.EnsureContainer(cmd.Context(), "", cosmosPKPath)
	},
}

var cosmosUpsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Upsert documents from --data or --file",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := readDocuments(cosmosData, cosmosFile)
		if err != nil {
			return err
		}
		c, err := cosmosClient()
		if err != nil {
			return err
		}
		if cosmosPKPath != "" {
			if err := c.EnsureContainer(cmd.Context(), "", cosmosPKPath); err != nil {
				return err
			}
		}
		items := make([]cosmos.Document, 0, len(docs))
		for _, d := range docs {
			items = append(items, cosmos.Document(d))
		}
		return c.Upsert(cmd.Context(), items...)
	},
}

var cosmosQueryCmd = &cobra.Command{
	Use:   "query [SQL]",
	Short: "Run a cross-partition query (every document when SQL is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cosmosClient()
		if err != nil {
			return err
		}
		var docs []cosmos.Document
		if len(args) == 1 {
			docs, err = c.Query(cmd.Context(), args[0])
		} else {
			docs, err = c.All(cmd.Context())
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), docs)
	},
}

// readDocuments accepts a JSON object or array, inline or from a file ("-"
// reads stdin).
func readDocuments(inline, file string) ([]map[string]any, error) {
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, errors.New("--data or --file is required")
	}

	raw = bytes.TrimSpace(raw)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if len(raw) > 0 && raw[0] == '[' {
		var docs []map[string]any
		if err := dec.Decode(&docs); err != nil {
			return nil, fmt.Errorf("decode documents: %w", err)
		}
		return docs, nil
	}
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return []map[string]any{doc}, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	blobCmd.PersistentFlags().StringVar(&blobContainer, "container", "", "Container (defaults to storage.container)")
	blobCreateContainerCmd.Flags().StringVar(&blobAccess, "access", "blob", "Public access: blob, container or private")
	blobUploadCmd.Flags().StringVar(&blobName, "name", "", "Blob name (defaults to the file name)")
	blobDownloadCmd.Flags().StringVar(&blobDir, "dir", ".", "Local directory")
	blobDownloadAllCmd.Flags().StringVar(&blobDir, "dir", ".", "Local directory")
	blobCmd.AddCommand(blobCreateContainerCmd, blobUploadCmd, blobListCmd, blobDownloadCmd, blobDownloadAllCmd)

	tableCmd.PersistentFlags().StringVar(&tableName, "table", "", "Table name (defaults to storage.table)")
	tableInsertCmd.Flags().StringVar(&tableData, "data", "", "Inline JSON object or array")
	tableInsertCmd.Flags().StringVar(&tableFile, "file", "", "JSON file, or - for stdin")
	tableInsertCmd.Flags().BoolVar(&tableBatch, "batch", false, "Submit all entities as one transaction")
	tableQueryCmd.Flags().StringSliceVar(&tableSelect, "select", nil, "Columns to return")
	tableQueryCmd.Flags().StringArrayVar(&tableWhere, "where", nil, "SQL-like clause, e.g. \"Age >= 30\" (repeatable, joined with and)")
	tableQueryCmd.Flags().StringVar(&tableFilter, "filter", "", "Raw OData filter, overrides --where")
	tableCmd.AddCommand(tableCreateCmd, tableInsertCmd, tableQueryCmd, tableGetCmd)

	cosmosCmd.PersistentFlags().StringVar(&cosmosName, "container", "", "Container (defaults to cosmos.container)")
	cosmosCmd.PersistentFlags().StringVar(&cosmosPKPath, "partition-key", "", "Partition key path, e.g. /category")
	cosmosUpsertCmd.Flags().StringVar(&cosmosData, "data", "", "Inline JSON object or array")
	cosmosUpsertCmd.Flags().StringVar(&cosmosFile, "file", "", "JSON file, or - for stdin")
	cosmosCmd.AddCommand(cosmosInitCmd, cosmosUpsertCmd, cosmosQueryCmd)
}
