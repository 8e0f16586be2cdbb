package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"azure-utilities/internal/sqldb"
)

var (
	sqlCreateServer bool
	sqlFirewall     bool
	sqlStartIP      string
	sqlEndIP        string
	sqlGroup        string
	sqlRegion       string
	sqlSkipCreate   bool
	sqlTable        string
	sqlSchemaFile   string
	sqlData         string
	sqlFile         string
)

var sqlCmd = &cobra.Command{
	Use:   "sql",
	Short: "Provision and use Azure SQL databases",
}

var sqlCreateDBCmd = &cobra.Command{
	Use:   "create-db",
	Short: "Create the database, optionally with its server and a firewall rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := getApp().SQLManager()
		if err != nil {
			return err
		}
		return m.CreateDatabase(cmd.Context(), sqldb.CreateDatabaseOptions{
			CreateServer:  sqlCreateServer,
			SetFirewall:   sqlFirewall,
			StartIP:       sqlStartIP,
			EndIP:         sqlEndIP,
			ResourceGroup: sqlGroup,
			Region:        sqlRegion,
		})
	},
}

var sqlCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Round-trip a test table to verify connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := getApp().SQL(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.CheckConnection(cmd.Context(), sqlSkipCreate); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "connection ok")
		return nil
	},
}

var sqlCreateTableCmd = &cobra.Command{
	Use:   "create-table",
	Short: "Create a table from a YAML schema file",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := sqldb.LoadSchemaFile(sqlSchemaFile)
		if err != nil {
			return err
		}
		db, err := getApp().SQL(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.SetSchema(schema); err != nil {
			return err
		}
		return db.CreateTable(cmd.Context(), sqlTable)
	},
}

var sqlInsertCmd = &cobra.Command{
	Use:   "insert",
	Short: "Insert rows from --data or --file into an existing table",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := readDocuments(sqlData, sqlFile)
		if err != nil {
			return err
		}
		db, err := openSQLTable(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		for _, d := range docs {
			if err := db.Commit(cmd.Context(), d); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "inserted %d rows into %s\n", len(docs), db.Table())
		return nil
	},
}

var sqlQueryCmd = &cobra.Command{
	Use:   "query [SQL]",
	Short: "Run a query, or return every row of the table",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := getApp().SQL(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if len(args) == 1 {
			rows, err := db.Query(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		}
		if _, err := db.ConnectToTable(cmd.Context(), tableOrDefault()); err != nil {
			return err
		}
		rows, err := db.All(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rows)
	},
}

func tableOrDefault() string {
	if sqlTable != "" {
		return sqlTable
	}
	if t := getApp().Config.SQL.Table; t != "" {
		return t
	}
	return sqldb.DefaultTable
}

func openSQLTable(cmd *cobra.Command) (*sqldb.DB, error) {
	db, err := getApp().SQL(cmd.Context())
	if err != nil {
		return nil, err
	}
	if _, err := db.ConnectToTable(cmd.Context(), tableOrDefault()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func init() {
	sqlCreateDBCmd.Flags().BoolVar(&sqlCreateServer, "create-server", false, "Create the logical server first")
	sqlCreateDBCmd.Flags().BoolVar(&sqlFirewall, "firewall", false, "Open a firewall rule for the caller")
	sqlCreateDBCmd.Flags().StringVar(&sqlStartIP, "start-ip", "", "Firewall start address (defaults to this host's /16)")
	sqlCreateDBCmd.Flags().StringVar(&sqlEndIP, "end-ip", "", "Firewall end address")
	sqlCreateDBCmd.Flags().StringVar(&sqlGroup, "group", "", "Resource group (defaults to sql.resource_group)")
	sqlCreateDBCmd.Flags().StringVar(&sqlRegion, "region", "", "Region (defaults to sql.region)")

	sqlCheckCmd.Flags().BoolVar(&sqlSkipCreate, "skip-table-creation", false, "Only run SELECT 1")

	sqlCmd.PersistentFlags().StringVar(&sqlTable, "table", "", "Table (defaults to sql.table)")
	sqlCreateTableCmd.Flags().StringVar(&sqlSchemaFile, "schema", "", "YAML list of col_name/datatype entries")
	_ = sqlCreateTableCmd.MarkFlagRequired("schema")
	sqlInsertCmd.Flags().StringVar(&sqlData, "data", "", "Inline JSON object or array")
	sqlInsertCmd.Flags().StringVar(&sqlFile, "file", "", "JSON file, or - for stdin")

	sqlCmd.AddCommand(sqlCreateDBCmd, sqlCheckCmd, sqlCreateTableCmd, sqlInsertCmd, sqlQueryCmd)
}
