// Package identity logs into Azure and builds SDK credentials.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"azure-utilities/internal/azcli"
	"azure-utilities/internal/config"
)

// ErrMissingCredentials is returned before any CLI call when required login input is absent.
var ErrMissingCredentials = errors.New("missing azure credentials")

// Method selects how Login authenticates.
type Method string

const (
	MethodCLI              Method = "cli"
	MethodPassword         Method = "password"
	MethodServicePrincipal Method = "service-principal"
	MethodEnvironment      Method = "environment"
)

// ParseMethod maps a flag value to a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "", MethodCLI:
		return MethodCLI, nil
	case MethodPassword, MethodServicePrincipal, MethodEnvironment:
		return m, nil
	default:
		return "", fmt.Errorf("unknown login method %q", s)
	}
}

// ServicePrincipal mirrors the output of "az ad sp create-for-rbac".
type ServicePrincipal struct {
	AppID       string `json:"appId"`
	DisplayName string `json:"displayName"`
	Name        string `json:"name,omitempty"`
	Password    string `json:"password"`
	Tenant      string `json:"tenant"`
}

// Validate checks the fields needed to log in.
func (sp ServicePrincipal) Validate() error {
	var missing []string
	if sp.AppID == "" {
		missing = append(missing, "appId")
	}
	if sp.Password == "" {
		missing = append(missing, "password")
	}
	if sp.Tenant == "" {
		missing = append(missing, "tenant")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: service principal needs %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// Env renders the principal as the standard AZURE_* variables.
func (sp ServicePrincipal) Env(subscriptionID string) []string {
	env := []string{
		"AZURE_CLIENT_ID=" + sp.AppID,
		"AZURE_CLIENT_SECRET=" + sp.Password,
		"AZURE_TENANT_ID=" + sp.Tenant,
	}
	if subscriptionID != "" {
		env = append(env, "AZURE_SUBSCRIPTION_ID="+subscriptionID)
	}
	return env
}

// LoginOptions controls Login.
type LoginOptions struct {
	Method                 Method
	Username               string
	Password               string
	ServicePrincipal       *ServicePrincipal
	CreateServicePrincipal bool
	AppName                string
	SkipAssignment         bool
	// Azure supplies the client secret for MethodEnvironment.
	Azure config.AzureConfig
}

// Identity is the authenticated session.
type Identity struct {
	Credential     azcore.TokenCredential
	SubscriptionID string
	TenantID       string
	ClientID       string
	Principal      *ServicePrincipal
}

type account struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// Authenticator performs logins through the az CLI.
type Authenticator struct {
	runner azcli.Runner
	logger zerolog.Logger
}

// New builds an Authenticator.
func New(runner azcli.Runner, logger zerolog.Logger) *Authenticator {
	return &Authenticator{runner: runner, logger: logger.With().Str("component", "identity").Logger()}
}

// Login authenticates with the selected method and returns an SDK credential.
func (a *Authenticator) Login(ctx context.Context, opts LoginOptions) (*Identity, error) {
	switch opts.Method {
	case MethodEnvironment:
		return FromConfig(opts.Azure)
	case MethodPassword:
		if opts.Username == "" || opts.Password == "" {
			return nil, fmt.Errorf("%w: username and password are required for password login", ErrMissingCredentials)
		}
		var accounts []account
		if err := a.runner.RunJSON(ctx, &accounts, "login", "-u", opts.Username, "-p", opts.Password); err != nil {
			return nil, fmt.Errorf("az login: %w", err)
		}
		return a.cliIdentity(accounts)
	case MethodServicePrincipal:
		return a.loginServicePrincipal(ctx, opts)
	case MethodCLI, "":
		var accounts []account
		if err := a.runner.RunJSON(ctx, &accounts, "login"); err != nil {
			return nil, fmt.Errorf("az login: %w", err)
		}
		return a.cliIdentity(accounts)
	default:
		return nil, fmt.Errorf("unknown login method %q", opts.Method)
	}
}

func (a *Authenticator) loginServicePrincipal(ctx context.Context, opts LoginOptions) (*Identity, error) {
	if opts.ServicePrincipal == nil && !opts.CreateServicePrincipal {
		return nil, fmt.Errorf("%w: provide service principal credentials or request a new principal", ErrMissingCredentials)
	}

	sp := opts.ServicePrincipal
	if opts.CreateServicePrincipal {
		created, err := a.CreateServicePrincipal(ctx, opts.AppName, opts.SkipAssignment, "")
		if err != nil {
			return nil, err
		}
		sp = created
	}
	if err := sp.Validate(); err != nil {
		return nil, err
	}

	var accounts []account
	if err := a.runner.RunJSON(ctx, &accounts,
		"login", "--service-principal",
		"-u", sp.AppID,
		"-p", sp.Password,
		"--tenant", sp.Tenant,
	); err != nil {
		return nil, fmt.Errorf("az login --service-principal: %w", err)
	}
	if len(accounts) == 0 {
		return nil, errors.New("az login returned no subscriptions")
	}

	cred, err := azidentity.NewClientSecretCredential(sp.Tenant, sp.AppID, sp.Password, nil)
	if err != nil {
		return nil, fmt.Errorf("client secret credential: %w", err)
	}
	a.logger.Info().Str("client_id", sp.AppID).Str("subscription_id", accounts[0].ID).Msg("logged in with service principal")
	return &Identity{
		Credential:     cred,
		SubscriptionID: accounts[0].ID,
		TenantID:       sp.Tenant,
		ClientID:       sp.AppID,
		Principal:      sp,
	}, nil
}

func (a *Authenticator) cliIdentity(accounts []account) (*Identity, error) {
	cred, err := azidentity.NewAzureCLICredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure cli credential: %w", err)
	}
	id := &Identity{Credential: cred}
	for i, acc := range accounts {
		if acc.IsDefault || i == 0 {
			id.SubscriptionID, id.TenantID = acc.ID, acc.TenantID
		}
		if acc.IsDefault {
			break
		}
	}
	a.logger.Info().Str("subscription_id", id.SubscriptionID).Msg("logged in with azure cli")
	return id, nil
}

// CreateServicePrincipal registers a new principal with "az ad sp create-for-rbac".
// Unless skipAssignment is set and a subscription is known, the principal gets
// Contributor on the subscription.
func (a *Authenticator) CreateServicePrincipal(ctx context.Context, name string, skipAssignment bool, subscriptionID string) (*ServicePrincipal, error) {
	if name == "" {
		name = DefaultAppName()
	}
	args := []string{"ad", "sp", "create-for-rbac", "-n", name}
	if !skipAssignment && subscriptionID != "" {
		args = append(args, "--role", "Contributor", "--scopes", "/subscriptions/"+subscriptionID)
	}

	var sp ServicePrincipal
	if err := a.runner.RunJSON(ctx, &sp, args...); err != nil {
		return nil, fmt.Errorf("create service principal: %w", err)
	}
	if sp.DisplayName == "" {
		sp.DisplayName = name
	}
	a.logger.Info().Str("app_id", sp.AppID).Str("name", sp.DisplayName).Msg("service principal created")
	return &sp, nil
}

// DefaultAppName generates a unique service principal name.
func DefaultAppName() string {
	return "azutil-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "-app"
}

// FromConfig builds an identity from configured service principal fields, or
// falls back to the default credential chain when none are set.
func FromConfig(cfg config.AzureConfig) (*Identity, error) {
	if cfg.HasServicePrincipal() {
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("client secret credential: %w", err)
		}
		return &Identity{Credential: cred, SubscriptionID: cfg.SubscriptionID, TenantID: cfg.TenantID, ClientID: cfg.ClientID}, nil
	}
	if cfg.ClientID != "" || cfg.ClientSecret != "" {
		return nil, ValidateServicePrincipalEnv(cfg)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingCredentials, err)
	}
	return &Identity{Credential: cred, SubscriptionID: cfg.SubscriptionID, TenantID: cfg.TenantID}, nil
}

// ValidateServicePrincipalEnv checks that every service principal variable is set.
func ValidateServicePrincipalEnv(cfg config.AzureConfig) error {
	var missing []string
	for name, value := range map[string]string{
		"AZURE_SUBSCRIPTION_ID": cfg.SubscriptionID,
		"AZURE_TENANT_ID":       cfg.TenantID,
		"AZURE_CLIENT_ID":       cfg.ClientID,
		"AZURE_CLIENT_SECRET":   cfg.ClientSecret,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: set %s (log in with a service principal first)", ErrMissingCredentials, strings.Join(missing, ", "))
}

// RequireSubscription returns the subscription id or a credentials error.
func (id *Identity) RequireSubscription() (string, error) {
	if id == nil || id.SubscriptionID == "" {
		return "", fmt.Errorf("%w: azure.subscription_id is not set", ErrMissingCredentials)
	}
	return id.SubscriptionID, nil
}
