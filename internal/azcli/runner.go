// Package azcli shells out to the Azure CLI and Functions Core Tools.
package azcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Runner executes CLI commands.
type Runner interface {
	// Run invokes the az binary and returns stdout.
	Run(ctx context.Context, args ...string) ([]byte, error)
	// RunJSON invokes az with "--output json" and decodes stdout into out.
	RunJSON(ctx context.Context, out any, args ...string) error
	// Exec runs an arbitrary binary in dir.
	Exec(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// CommandError carries the failed command line and its stderr.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	binary string
	env    []string
	logger zerolog.Logger
}

// New returns a runner for the given az binary path.
func New(binary string, logger zerolog.Logger) *ExecRunner {
	if binary == "" {
		binary = "az"
	}
	return &ExecRunner{binary: binary, logger: logger.With().Str("component", "azcli").Logger()}
}

// WithEnv returns a copy whose commands receive the extra environment.
func (r *ExecRunner) WithEnv(env ...string) *ExecRunner {
	cp := *r
	cp.env = append(append([]string(nil), r.env...), env...)
	return &cp
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	return r.Exec(ctx, "", r.binary, args...)
}

// RunJSON implements Runner.
func (r *ExecRunner) RunJSON(ctx context.Context, out any, args ...string) error {
	stdout, err := r.Run(ctx, append(args, "--output", "json")...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stdout, out); err != nil {
		return fmt.Errorf("decode %s output: %w", CommandLine(r.binary, args), err)
	}
	return nil
}

// Exec implements Runner.
func (r *ExecRunner) Exec(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	line := CommandLine(name, args)
	if err := cmd.Run(); err != nil {
		r.logger.Error().Err(err).Str("command", line).Str("stderr", strings.TrimSpace(stderr.String())).Msg("command failed")
		return nil, &CommandError{Command: line, Stderr: stderr.String(), Err: err}
	}
	r.logger.Debug().Str("command", line).Msg("command succeeded")
	return stdout.Bytes(), nil
}

var secretFlags = map[string]bool{
	"-p":              true,
	"--password":      true,
	"--client-secret": true,
	"--secret":        true,
}

// CommandLine renders a command for logs with secret flag values masked.
func CommandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	mask := false
	for _, a := range args {
		switch {
		case mask:
			parts = append(parts, "****")
			mask = false
		case secretFlags[a]:
			parts = append(parts, a)
			mask = true
		case strings.Contains(a, "=") && isSecretSetting(a):
			k, _, _ := strings.Cut(a, "=")
			parts = append(parts, k+"=****")
		default:
			parts = append(parts, a)
		}
	}
	return strings.Join(parts, " ")
}

func isSecretSetting(kv string) bool {
	k, _, _ := strings.Cut(strings.ToUpper(kv), "=")
	return strings.Contains(k, "SECRET") || strings.Contains(k, "PASSWORD") || strings.Contains(k, "KEY")
}

var _ Runner = (*ExecRunner)(nil)
