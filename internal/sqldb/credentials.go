// Package sqldb manages Azure SQL databases and talks to them over go-mssqldb.
package sqldb

import (
	"errors"
	"net/url"
	"strconv"

	"azure-utilities/internal/config"
)

const (
	DefaultServer   = "default-server-python"
	DefaultDatabase = "default-database-python"
	DefaultUsername = "default-username-python"
	DefaultTable    = "default_table_python"

	sqlPort = 1433
)

// Credentials identify an Azure SQL database and its administrator.
type Credentials struct {
	Server   string
	Database string
	Username string
	Password string
}

// CredentialsFromConfig copies the SQL section and applies defaults.
func CredentialsFromConfig(cfg config.SQLConfig) Credentials {
	return Credentials{
		Server:   cfg.Server,
		Database: cfg.Database,
		Username: cfg.Username,
		Password: cfg.Password,
	}.Defaults()
}

// Defaults fills unset names. The password is never defaulted.
func (c Credentials) Defaults() Credentials {
	if c.Server == "" {
		c.Server = DefaultServer
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	return c
}

// Validate checks that a password is present.
func (c Credentials) Validate() error {
	if c.Password == "" {
		return errors.New("sql.password is required")
	}
	return nil
}

// Host returns the server's fully qualified name.
func (c Credentials) Host() string {
	return c.Server + ".database.windows.net"
}

// DSN renders the sqlserver:// connection URL for the credentials.
func DSN(c Credentials) string {
	c = c.Defaults()
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("encrypt", "true")
	q.Set("TrustServerCertificate", "false")
	q.Set("hostNameInCertificate", "*.database.windows.net")
	q.Set("connection timeout", "30")

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.Username+"@"+c.Server, c.Password),
		Host:     c.Host() + ":" + strconv.Itoa(sqlPort),
		RawQuery: q.Encode(),
	}
	return u.String()
}
