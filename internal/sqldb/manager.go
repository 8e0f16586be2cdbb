package sqldb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/sql/armsql"
	"github.com/rs/zerolog"

	"azure-utilities/internal/config"
	"azure-utilities/internal/identity"
	"azure-utilities/internal/resources"
)

const (
	DefaultResourceGroup = "default_rg_python"
	DefaultRegion        = "westus"

	sqlProvider   = "Microsoft.Sql"
	serverVersion = "12.0"
	checkIPURL    = "https://checkip.amazonaws.com"
)

// DefineSKU builds a database SKU. Empty name and tier default to Free.
func DefineSKU(name, tier, size, family string, capacity int32) *armsql.SKU {
	if name == "" {
		name = "Free"
	}
	if tier == "" {
		tier = "Free"
	}
	sku := &armsql.SKU{Name: to.Ptr(name), Tier: to.Ptr(tier)}
	if size != "" {
		sku.Size = to.Ptr(size)
	}
	if family != "" {
		sku.Family = to.Ptr(family)
	}
	if capacity > 0 {
		sku.Capacity = to.Ptr(capacity)
	}
	return sku
}

// CreateDatabaseOptions parameterise CreateDatabase.
type CreateDatabaseOptions struct {
	CreateServer  bool
	SetFirewall   bool
	StartIP       string
	EndIP         string
	ResourceGroup string
	Region        string
	SKU           *armsql.SKU
}

// Manager provisions Azure SQL servers, firewall rules and databases.
type Manager struct {
	creds     Credentials
	azure     config.AzureConfig
	servers   *armsql.ServersClient
	firewalls *armsql.FirewallRulesClient
	databases *armsql.DatabasesClient
	groups    resources.GroupManager
	group     string
	region    string
	sku       *armsql.SKU
	http      *http.Client
	ipURL     string
	logger    zerolog.Logger
}

// NewManager builds the armsql clients for the subscription.
func NewManager(cfg config.SQLConfig, azure config.AzureConfig, cred azcore.TokenCredential, groups resources.GroupManager, logger zerolog.Logger) (*Manager, error) {
	if azure.SubscriptionID == "" {
		return nil, errors.New("azure.subscription_id is required")
	}
	factory, err := armsql.NewClientFactory(azure.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create sql client factory: %w", err)
	}
	m := &Manager{
		creds:     CredentialsFromConfig(cfg),
		azure:     azure,
		servers:   factory.NewServersClient(),
		firewalls: factory.NewFirewallRulesClient(),
		databases: factory.NewDatabasesClient(),
		groups:    groups,
		group:     firstNonEmpty(cfg.ResourceGroup, DefaultResourceGroup),
		region:    firstNonEmpty(cfg.Region, DefaultRegion),
		sku:       DefineSKU(cfg.SKU.Name, cfg.SKU.Tier, cfg.SKU.Size, cfg.SKU.Family, cfg.SKU.Capacity),
		http:      &http.Client{Timeout: 10 * time.Second},
		ipURL:     checkIPURL,
		logger:    logger.With().Str("component", "sql_manager").Logger(),
	}
	return m, nil
}

// CreateServer creates or updates the logical server. It can take several minutes.
func (m *Manager) CreateServer(ctx context.Context) error {
	if err := m.creds.Validate(); err != nil {
		return err
	}
	m.logger.Info().Str("server", m.creds.Server).Msg("creating server, this might take a few minutes")
	poller, err := m.servers.BeginCreateOrUpdate(ctx, m.group, m.creds.Server, armsql.Server{
		Location: to.Ptr(m.region),
		Properties: &armsql.ServerProperties{
			Version:                    to.Ptr(serverVersion),
			AdministratorLogin:         to.Ptr(m.creds.Username),
			AdministratorLoginPassword: to.Ptr(m.creds.Password),
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("create server %s: %w", m.creds.Server, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("wait for server %s: %w", m.creds.Server, err)
	}
	m.logger.Info().Str("server", m.creds.Server).Msg("server created")
	return nil
}

// CreateFirewallRule allows start..end. With either bound empty, the current
// public address widened to its /16 is used.
func (m *Manager) CreateFirewallRule(ctx context.Context, start, end string) error {
	if start == "" || end == "" {
		ip, err := m.publicIP(ctx)
		if err != nil {
			return err
		}
		start, end, err = WidenToSlash16(ip)
		if err != nil {
			return err
		}
		m.logger.Info().Str("ip", ip).Msg("no firewall range given, using current public address")
	}
	name := fmt.Sprintf("firewall_from_%s_to_%s", start, end)
	_, err := m.firewalls.CreateOrUpdate(ctx, m.group, m.creds.Server, name, armsql.FirewallRule{
		Properties: &armsql.ServerFirewallRuleProperties{
			StartIPAddress: to.Ptr(start),
			EndIPAddress:   to.Ptr(end),
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("create firewall rule %s: %w", name, err)
	}
	m.logger.Info().Str("start", start).Str("end", end).Msg("firewall rule created")
	return nil
}

// CreateDatabase validates the service principal environment, registers the
// SQL provider, ensures the group, optionally creates the server and firewall
// rule, then creates the database.
func (m *Manager) CreateDatabase(ctx context.Context, opts CreateDatabaseOptions) error {
	if err := identity.ValidateServicePrincipalEnv(m.azure); err != nil {
		return err
	}
	if opts.ResourceGroup != "" {
		m.group = opts.ResourceGroup
	}
	region := firstNonEmpty(opts.Region, m.region)
	sku := m.sku
	if opts.SKU != nil {
		sku = opts.SKU
	}

	if m.groups != nil {
		if err := m.groups.RegisterProvider(ctx, sqlProvider); err != nil {
			return err
		}
		if err := m.groups.CreateOrUpdate(ctx, m.group, region); err != nil {
			return err
		}
	}
	if opts.CreateServer {
		if err := m.CreateServer(ctx); err != nil {
			return err
		}
	}
	if opts.SetFirewall {
		if err := m.CreateFirewallRule(ctx, opts.StartIP, opts.EndIP); err != nil {
			return err
		}
	}

	poller, err := m.databases.BeginCreateOrUpdate(ctx, m.group, m.creds.Server, m.creds.Database, armsql.Database{
		Location: to.Ptr(region),
		SKU:      sku,
	}, nil)
	if err != nil {
		return fmt.Errorf("create database %s: %w", m.creds.Database, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("wait for database %s: %w", m.creds.Database, err)
	}
	m.logger.Info().Str("server", m.creds.Server).Str("database", m.creds.Database).Str("group", m.group).Msg("database created")
	return nil
}

func (m *Manager) publicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.ipURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup public ip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup public ip: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("lookup public ip: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// WidenToSlash16 returns the first and last address of the IPv4 /16 around ip.
func WidenToSlash16(ip string) (string, string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip)).To4()
	if parsed == nil {
		return "", "", fmt.Errorf("%q is not an IPv4 address", ip)
	}
	return fmt.Sprintf("%d.%d.0.0", parsed[0], parsed[1]), fmt.Sprintf("%d.%d.255.255", parsed[0], parsed[1]), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
