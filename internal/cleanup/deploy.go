package cleanup

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"azure-utilities/internal/azcli"
	"azure-utilities/internal/config"
)

const (
	DefaultDeployGroup  = "clean-up-resources-rg"
	DefaultDeployRegion = "westeurope"
)

// DeployOptions parameterise Deploy.
type DeployOptions struct {
	ResourceGroup  string
	Region         string
	StorageAccount string
	FunctionApp    string
	// Dir is the generated function app directory.
	Dir      string
	FuncTool string
	Settings map[string]string
}

func (o DeployOptions) withDefaults() DeployOptions {
	if o.ResourceGroup == "" {
		o.ResourceGroup = DefaultDeployGroup
	}
	if o.Region == "" {
		o.Region = DefaultDeployRegion
	}
	if o.StorageAccount == "" {
		o.StorageAccount = fmt.Sprintf("cleanupapp%d", 100+rand.IntN(900))
	}
	if o.FunctionApp == "" {
		o.FunctionApp = fmt.Sprintf("cleanupapp%d", 100+rand.IntN(900))
	}
	if o.FuncTool == "" {
		o.FuncTool = "func"
	}
	return o
}

// PublishCommand is the manual fallback printed when publishing fails.
func PublishCommand(dir, funcTool, app string) string {
	return fmt.Sprintf("cd %s && %s azure functionapp publish %s --force", dir, funcTool, app)
}

// Deploy provisions the group, storage account and Linux custom-handler
// function app, writes the app settings and publishes dir.
func Deploy(ctx context.Context, runner azcli.Runner, opts DeployOptions, logger zerolog.Logger) (DeployOptions, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		return opts, errors.New("deploy needs the generated function directory")
	}
	log := logger.With().Str("component", "cleanup_deploy").Str("app", opts.FunctionApp).Logger()

	steps := [][]string{
		{"group", "create", "--name", opts.ResourceGroup, "--location", opts.Region},
		{"storage", "account", "create", "--name", opts.StorageAccount, "--location", opts.Region,
			"--resource-group", opts.ResourceGroup, "--sku", "Standard_LRS"},
		{"functionapp", "create", "--name", opts.FunctionApp, "--storage-account", opts.StorageAccount,
			"--consumption-plan-location", opts.Region, "--resource-group", opts.ResourceGroup,
			"--functions-version", "4", "--runtime", "custom", "--os-type", "linux"},
	}
	if settings := settingArgs(opts.Settings); len(settings) > 0 {
		steps = append(steps, append([]string{"functionapp", "config", "appsettings", "set",
			"--name", opts.FunctionApp, "--resource-group", opts.ResourceGroup, "--settings"}, settings...))
	}
	for _, args := range steps {
		if _, err := runner.Run(ctx, args...); err != nil {
			return opts, err
		}
	}

	if _, err := runner.Exec(ctx, opts.Dir, opts.FuncTool, "azure", "functionapp", "publish", opts.FunctionApp, "--force"); err != nil {
		log.Warn().Str("command", PublishCommand(opts.Dir, opts.FuncTool, opts.FunctionApp)).
			Msg("publish failed; run the command manually")
		return opts, fmt.Errorf("publish %s: %w", opts.FunctionApp, err)
	}
	log.Info().Str("group", opts.ResourceGroup).Msg("cleanup function deployed")
	return opts, nil
}

// PrincipalEnv returns the service principal as KEY=VALUE pairs for the
// az and func subprocesses. Unset fields are omitted.
func PrincipalEnv(cfg config.AzureConfig) []string {
	vars := map[string]string{
		"AZURE_SUBSCRIPTION_ID": cfg.SubscriptionID,
		"AZURE_TENANT_ID":       cfg.TenantID,
		"AZURE_CLIENT_ID":       cfg.ClientID,
		"AZURE_CLIENT_SECRET":   cfg.ClientSecret,
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	sort.Strings(env)
	return env
}

// AppSettings renders the settings the deployed handler reads through its
// AZUTIL_ environment.
func AppSettings(cfg *config.Config) map[string]string {
	s := map[string]string{
		"AZUTIL_CLEANUP_RESOURCE_GROUP": cfg.Cleanup.ResourceGroup,
		"AZUTIL_CLEANUP_TRIGGER_NAME":   cfg.Cleanup.TriggerName,
		"AZURE_SUBSCRIPTION_ID":         cfg.Azure.SubscriptionID,
		"AZURE_TENANT_ID":               cfg.Azure.TenantID,
		"AZURE_CLIENT_ID":               cfg.Azure.ClientID,
		"AZURE_CLIENT_SECRET":           cfg.Azure.ClientSecret,
	}
	email := cfg.Alerting.Email
	if email.Sender != "" && email.Password != "" {
		to := email.To
		if cfg.Cleanup.NotifyRecipient != "" {
			to = []string{cfg.Cleanup.NotifyRecipient}
		}
		if len(to) == 0 {
			to = []string{email.Sender}
		}
		s["AZUTIL_ALERTING_EMAIL_ENABLED"] = "true"
		s["AZUTIL_ALERTING_EMAIL_SENDER"] = email.Sender
		s["AZUTIL_ALERTING_EMAIL_PASSWORD"] = email.Password
		s["AZUTIL_ALERTING_EMAIL_TO"] = strings.Join(to, ",")
	}
	for k, v := range s {
		if v == "" {
			delete(s, k)
		}
	}
	return s
}

func settingArgs(settings map[string]string) []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+settings[k])
	}
	return out
}
