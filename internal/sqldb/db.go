package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"azure-utilities/internal/differential"
)

var (
	// ErrNoSchema is returned when an operation needs a table schema and none is set.
	ErrNoSchema = errors.New("sqldb: no table schema; validate one or connect to an existing table")
	// ErrNotConnected is returned before Open.
	ErrNotConnected = errors.New("sqldb: not connected")
)

const (
	probeTable = "CUSTOMER_Test_Python"

	dropProbeSQL   = `IF OBJECT_ID('dbo.CUSTOMER_Test_Python', 'U') IS NOT NULL DROP TABLE dbo.CUSTOMER_Test_Python`
	createProbeSQL = `CREATE TABLE CUSTOMER_Test_Python ("CUST_ID" INTEGER NOT NULL, "NAME" VARCHAR(50) NOT NULL, PRIMARY KEY ("CUST_ID"))`
	insertProbeSQL = `INSERT INTO CUSTOMER_Test_Python VALUES (@p1, @p2)`
	selectProbeSQL = `SELECT CUST_ID, NAME FROM CUSTOMER_Test_Python`
	pingSQL        = `SELECT 1`

	columnsSQL = `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @p1 ORDER BY ORDINAL_POSITION`
)

// ColumnValue names one value of a partial insert.
type ColumnValue struct {
	Column string
	Value  any
}

// DB runs statements against one table of an Azure SQL database.
type DB struct {
	db      *sql.DB
	table   string
	schema  []Column
	timeout time.Duration
	logger  zerolog.Logger
}

var _ differential.Source = (*DB)(nil)

// Open connects with the sqlserver driver and pings the server.
func Open(ctx context.Context, dsn, table string, timeout time.Duration, logger zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlserver: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlserver: %w", err)
	}
	return NewDB(conn, table, timeout, logger), nil
}

// NewDB wraps an existing handle.
func NewDB(conn *sql.DB, table string, timeout time.Duration, logger zerolog.Logger) *DB {
	if table == "" {
		table = DefaultTable
	}
	return &DB{
		db:      conn,
		table:   table,
		timeout: timeout,
		logger:  logger.With().Str("component", "sqldb").Str("table", table).Logger(),
	}
}

// Close releases the pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Table returns the bound table.
func (d *DB) Table() string { return d.table }

// Schema returns the current schema.
func (d *DB) Schema() []Column { return append([]Column(nil), d.schema...) }

// SetSchema validates and installs a schema.
func (d *DB) SetSchema(cols []Column) error {
	schema, err := ValidateSchema(cols)
	if err != nil {
		return err
	}
	d.schema = schema
	return nil
}

func (d *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *DB) conn() (*sql.DB, error) {
	if d == nil || d.db == nil {
		return nil, ErrNotConnected
	}
	return d.db, nil
}

// CheckConnection round-trips a temporary table unless skipTableCreation is set.
func (d *DB) CheckConnection(ctx context.Context, skipTableCreation bool) error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if skipTableCreation {
		if _, err := conn.ExecContext(ctx, pingSQL); err != nil {
			return fmt.Errorf("check connection: %w", err)
		}
		d.logger.Info().Msg("connection is live")
		return nil
	}

	steps := []struct {
		query string
		args  []any
	}{
		{dropProbeSQL, nil},
		{createProbeSQL, nil},
		{insertProbeSQL, []any{1, "John"}},
	}
	for _, s := range steps {
		if _, err := conn.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("check connection: %w", err)
		}
	}
	rows, err := conn.QueryContext(ctx, selectProbeSQL)
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	rows.Close()
	if _, err := conn.ExecContext(ctx, "DROP TABLE "+probeTable); err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	d.logger.Info().Msg("connection is live")
	return nil
}

// Exec runs a statement and returns the affected row count.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	conn, err := d.conn()
	if err != nil {
		return 0, err
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	d.logger.Debug().Str("query", query).Msg("executing statement")
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Query runs a query and returns each row as a column map.
func (d *DB) Query(ctx context.Context, query string, args ...any) ([]differential.Row, error) {
	conn, err := d.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	d.logger.Debug().Str("query", query).Msg("executing query")
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	out := []differential.Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(differential.Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// ConnectToTable binds the table and reads its schema from INFORMATION_SCHEMA.
func (d *DB) ConnectToTable(ctx context.Context, table string) ([]Column, error) {
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	rows, err := d.Query(ctx, columnsSQL, table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %s: %w", table, ErrNoSchema)
	}
	schema := make([]Column, 0, len(rows))
	for _, r := range rows {
		schema = append(schema, Column{
			Name:     strings.ToLower(fmt.Sprint(r["COLUMN_NAME"])),
			Datatype: fmt.Sprint(r["DATA_TYPE"]),
		})
	}
	d.table = table
	d.schema = schema
	d.logger.Info().Str("connected", table).Int("columns", len(schema)).Msg("connected to table")
	return d.Schema(), nil
}

// CreateTableSQL renders the CREATE TABLE statement for the schema.
func CreateTableSQL(table string, schema []Column) (string, error) {
	if len(schema) == 0 {
		return "", ErrNoSchema
	}
	if err := checkIdentifier("table", table); err != nil {
		return "", err
	}
	defs := make([]string, 0, len(schema))
	for _, c := range schema {
		defs = append(defs, fmt.Sprintf("[%s] %s null", c.Name, c.Datatype))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", strings.ToUpper(table), strings.Join(defs, ", ")), nil
}

// CreateTable creates the table from the current schema and binds it.
func (d *DB) CreateTable(ctx context.Context, table string) error {
	if table == "" {
		table = d.table
	}
	stmt, err := CreateTableSQL(table, d.schema)
	if err != nil {
		return err
	}
	if _, err := d.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	d.table = table
	d.logger.Info().Str("table", table).Msg("table created")
	return nil
}

// InsertSQL renders a parameterised INSERT for data, which is a column map,
// a []ColumnValue or a positional []any covering every insertable column.
func InsertSQL(table string, schema []Column, data any) (string, []any, error) {
	if len(schema) == 0 {
		return "", nil, ErrNoSchema
	}
	if err := checkIdentifier("table", table); err != nil {
		return "", nil, err
	}

	var (
		cols []string
		args []any
	)
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cols = append(cols, k)
			args = append(args, v[k])
		}
	case differential.Row:
		return InsertSQL(table, schema, map[string]any(v))
	case []ColumnValue:
		for _, cv := range v {
			cols = append(cols, cv.Column)
			args = append(args, cv.Value)
		}
	case []any:
		target := insertable(schema)
		if len(v) != len(target) {
			return "", nil, fmt.Errorf("got %d values for %d columns", len(v), len(target))
		}
		for i, c := range target {
			cols = append(cols, c.Name)
			args = append(args, v[i])
		}
	default:
		return "", nil, fmt.Errorf("unsupported insert data %T", data)
	}
	if len(cols) == 0 {
		return "", nil, errors.New("insert needs at least one column")
	}

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		c = strings.ToLower(c)
		if err := checkIdentifier("column", c); err != nil {
			return "", nil, err
		}
		quoted[i] = "[" + c + "]"
		params[i] = fmt.Sprintf("@p%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(quoted, ", "), strings.Join(params, ", "))
	return stmt, args, nil
}

// Commit inserts one row into the bound table.
func (d *DB) Commit(ctx context.Context, data any) error {
	stmt, args, err := InsertSQL(d.table, d.schema, data)
	if err != nil {
		return err
	}
	if _, err := d.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("commit into %s: %w", d.table, err)
	}
	return nil
}

// All returns every row of the bound table.
func (d *DB) All(ctx context.Context) ([]differential.Row, error) {
	if err := checkIdentifier("table", d.table); err != nil {
		return nil, err
	}
	return d.Query(ctx, "SELECT * FROM "+d.table)
}

// FetchSQL renders the differential query.
func FetchSQL(table, column string) (string, error) {
	if err := checkIdentifier("table", table); err != nil {
		return "", err
	}
	if err := checkIdentifier("column", column); err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE [%s] > @p1 ORDER BY [%s]", table, column, column), nil
}

// FetchAfter returns rows whose column is strictly after the cursor.
func (d *DB) FetchAfter(ctx context.Context, column string, after differential.Cursor) ([]differential.Row, error) {
	query, err := FetchSQL(d.table, column)
	if err != nil {
		return nil, err
	}
	return d.Query(ctx, query, after.Value())
}
