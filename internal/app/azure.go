package app

import (
	"context"
	"fmt"
	"strings"

	"azure-utilities/internal/azcli"
	"azure-utilities/internal/blob"
	"azure-utilities/internal/cosmos"
	"azure-utilities/internal/differential"
	"azure-utilities/internal/identity"
	"azure-utilities/internal/resources"
	"azure-utilities/internal/sqldb"
	"azure-utilities/internal/table"
)

// Runner returns the az CLI runner.
func (a *App) Runner() *azcli.ExecRunner {
	return azcli.New(a.Config.Azure.CLIPath, a.Logger)
}

// Authenticator returns the CLI-backed authenticator.
func (a *App) Authenticator() *identity.Authenticator {
	return identity.New(a.Runner(), a.Logger)
}

// Identity resolves credentials from configuration.
func (a *App) Identity() (*identity.Identity, error) {
	return identity.FromConfig(a.Config.Azure)
}

// Groups returns the resource group manager for the configured subscription.
func (a *App) Groups() (*resources.Groups, error) {
	id, err := a.Identity()
	if err != nil {
		return nil, err
	}
	sub, err := id.RequireSubscription()
	if err != nil {
		return nil, err
	}
	return resources.NewGroups(sub, id.Credential, a.Logger)
}

// StorageAccounts returns the storage account manager.
func (a *App) StorageAccounts() (*resources.StorageAccounts, error) {
	id, err := a.Identity()
	if err != nil {
		return nil, err
	}
	sub, err := id.RequireSubscription()
	if err != nil {
		return nil, err
	}
	groups, err := resources.NewGroups(sub, id.Credential, a.Logger)
	if err != nil {
		return nil, err
	}
	return resources.NewStorageAccounts(sub, id.Credential, groups, a.Logger)
}

// Blob returns a blob client for the configured storage account.
func (a *App) Blob() (*blob.Client, error) {
	return blob.New(a.Config.Storage, a.Logger)
}

// Table returns a table client bound to name, or the configured table.
func (a *App) Table(name string) (*table.Client, error) {
	cfg := a.Config.Storage
	if name != "" {
		cfg.Table = name
	}
	return table.New(cfg, a.Logger)
}

// Cosmos returns a Cosmos DB client.
func (a *App) Cosmos() (*cosmos.Client, error) {
	return cosmos.New(a.Config.Cosmos, a.Logger)
}

// SQL opens the configured Azure SQL database.
func (a *App) SQL(ctx context.Context) (*sqldb.DB, error) {
	dsn := a.Config.SQL.DSN
	if dsn == "" {
		creds := sqldb.CredentialsFromConfig(a.Config.SQL)
		if err := creds.Validate(); err != nil {
			return nil, err
		}
		dsn = sqldb.DSN(creds)
	}
	return sqldb.Open(ctx, dsn, a.Config.SQL.Table, a.Config.SQL.QueryTimeout, a.Logger)
}

// SQLManager returns the Azure SQL provisioning client.
func (a *App) SQLManager() (*sqldb.Manager, error) {
	if err := identity.ValidateServicePrincipalEnv(a.Config.Azure); err != nil {
		return nil, err
	}
	id, err := a.Identity()
	if err != nil {
		return nil, err
	}
	groups, err := resources.NewGroups(id.SubscriptionID, id.Credential, a.Logger)
	if err != nil {
		return nil, err
	}
	return sqldb.NewManager(a.Config.SQL, a.Config.Azure, id.Credential, groups, a.Logger)
}

// openSource builds the differential source named by poller.source.
func (a *App) openSource(ctx context.Context) (differential.Source, func(), error) {
	noop := func() {}
	switch strings.ToLower(a.Config.Poller.Source) {
	case "table":
		c, err := a.Table("")
		if err != nil {
			return nil, nil, err
		}
		return c, noop, nil
	case "cosmos":
		c, err := a.Cosmos()
		if err != nil {
			return nil, nil, err
		}
		return c, noop, nil
	case "sql", "":
		db, err := a.SQL(ctx)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown poller source %q", a.Config.Poller.Source)
	}
}
