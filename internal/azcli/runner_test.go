package azcli

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCommandLineMasksSecrets(t *testing.T) {
	got := CommandLine("az", []string{"login", "-u", "me", "-p", "hunter2", "--settings", "AZURE_CLIENT_SECRET=abc", "EMAIL=x@y"})
	if strings.Contains(got, "hunter2") || strings.Contains(got, "abc") {
		t.Fatalf("secrets leaked: %s", got)
	}
	if !strings.Contains(got, "EMAIL=x@y") || !strings.Contains(got, "-u me") {
		t.Fatalf("non-secret args should be kept: %s", got)
	}
}

func TestExecRunnerCapturesFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := New("sh", zerolog.Nop())

	out, err := r.Run(context.Background(), "-c", "echo '{\"ok\":true}'")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(string(out), "ok") {
		t.Fatalf("unexpected stdout %q", out)
	}

	_, err = r.Run(context.Background(), "-c", "echo nope >&2; exit 3")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if !strings.Contains(cmdErr.Error(), "nope") {
		t.Fatalf("stderr should be included: %v", cmdErr)
	}
}

func TestExecRunnerEnv(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := New("sh", zerolog.Nop()).WithEnv("AZUTIL_TEST_VALUE=42")
	out, err := r.Exec(context.Background(), t.TempDir(), "sh", "-c", "printf %s \"$AZUTIL_TEST_VALUE\"")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if string(out) != "42" {
		t.Fatalf("expected env to be passed, got %q", out)
	}
}
