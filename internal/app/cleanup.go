package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"azure-utilities/internal/alerting"
	"azure-utilities/internal/cleanup"
	"azure-utilities/internal/resources"
)

// CleanupGroup is the resource group the cleanup function deletes.
func (a *App) CleanupGroup(override string) (string, error) {
	group := firstSet(override, a.Config.Cleanup.ResourceGroup)
	if group == "" {
		return "", fmt.Errorf("cleanup.resource_group is required")
	}
	return group, nil
}

// cleanupNotifier emails the cleanup report, or returns nil when email is not
// configured.
func (a *App) cleanupNotifier() (alerting.Notifier, error) {
	cfg := a.Config.Alerting.Email
	if !cfg.Enabled || cfg.Sender == "" {
		return nil, nil
	}
	if a.Config.Cleanup.NotifyRecipient != "" {
		cfg.To = []string{a.Config.Cleanup.NotifyRecipient}
	}
	email, err := alerting.NewEmailNotifier(cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	return email, nil
}

// CleanupHandler wires the timer handler for the Functions host.
func (a *App) CleanupHandler(group string) (*cleanup.Handler, error) {
	group, err := a.CleanupGroup(group)
	if err != nil {
		return nil, err
	}
	groups, err := a.Groups()
	if err != nil {
		return nil, err
	}
	notifier, err := a.cleanupNotifier()
	if err != nil {
		return nil, err
	}
	return cleanup.NewHandler(groups, group, a.Config.Cleanup.TriggerName, notifier, a.Logger), nil
}

// RunCleanup deletes the cleanup group once, outside the Functions host.
func (a *App) RunCleanup(ctx context.Context, group string) (resources.CleanupReport, error) {
	h, err := a.CleanupHandler(group)
	if err != nil {
		return resources.CleanupReport{}, err
	}
	return h.Run(ctx), nil
}

// GenerateCleanup writes the function app into dir. When withBinary is set
// the running executable is copied next to host.json.
func (a *App) GenerateCleanup(dir string, withBinary bool) ([]string, error) {
	dir = firstSet(dir, a.Config.Cleanup.OutputDir, "cleanup-function")
	params := cleanup.Params{
		TriggerName: a.Config.Cleanup.TriggerName,
		Schedule:    a.Config.Cleanup.Schedule,
		Executable:  a.Config.Cleanup.Executable,
	}
	if withBinary {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		params.BinaryPath = exe
	}
	return cleanup.Generate(filepath.Clean(dir), params)
}

// DeployCleanup generates and publishes the cleanup function app.
func (a *App) DeployCleanup(ctx context.Context, dir string) (cleanup.DeployOptions, error) {
	if _, err := a.CleanupGroup(""); err != nil {
		return cleanup.DeployOptions{}, err
	}
	dir = firstSet(dir, a.Config.Cleanup.OutputDir, "cleanup-function")
	if _, err := a.GenerateCleanup(dir, true); err != nil {
		return cleanup.DeployOptions{}, err
	}
	runner := a.Runner().WithEnv(cleanup.PrincipalEnv(a.Config.Azure)...)
	return cleanup.Deploy(ctx, runner, cleanup.DeployOptions{
		ResourceGroup:  a.Config.Cleanup.DeployGroup,
		Region:         a.Config.Cleanup.DeployRegion,
		StorageAccount: a.Config.Cleanup.StorageAccount,
		FunctionApp:    a.Config.Cleanup.FunctionApp,
		Dir:            dir,
		FuncTool:       a.Config.Cleanup.FuncToolPath,
		Settings:       cleanup.AppSettings(a.Config),
	}, a.Logger)
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
