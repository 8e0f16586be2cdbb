package identity

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"azure-utilities/internal/config"
)

type fakeRunner struct {
	calls   [][]string
	replies map[string]string
	err     error
}

func (f *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.replies[args[0]]), nil
}

func (f *fakeRunner) RunJSON(ctx context.Context, out any, args ...string) error {
	b, err := f.Run(ctx, args...)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

func (f *fakeRunner) Exec(context.Context, string, string, ...string) ([]byte, error) {
	return nil, errors.New("not supported")
}

func TestServicePrincipalLogin(t *testing.T) {
	runner := &fakeRunner{replies: map[string]string{
		"login": `[{"id":"sub-1","tenantId":"tenant-1","isDefault":true}]`,
	}}
	a := New(runner, zerolog.Nop())

	id, err := a.Login(context.Background(), LoginOptions{
		Method:           MethodServicePrincipal,
		ServicePrincipal: &ServicePrincipal{AppID: "app", Password: "secret", Tenant: "tenant-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "sub-1", id.SubscriptionID)
	require.Equal(t, "app", id.ClientID)
	require.NotNil(t, id.Credential)
	require.Equal(t, []string{"login", "--service-principal", "-u", "app", "-p", "secret", "--tenant", "tenant-1"}, runner.calls[0])
}

func TestLoginMissingCredentialsFailsBeforeCLI(t *testing.T) {
	runner := &fakeRunner{}
	a := New(runner, zerolog.Nop())

	cases := []LoginOptions{
		{Method: MethodPassword, Username: "me"},
		{Method: MethodServicePrincipal},
		{Method: MethodServicePrincipal, ServicePrincipal: &ServicePrincipal{AppID: "app"}},
	}
	for _, opts := range cases {
		_, err := a.Login(context.Background(), opts)
		require.ErrorIs(t, err, ErrMissingCredentials)
	}
	require.Empty(t, runner.calls)
}

func TestCreateServicePrincipal(t *testing.T) {
	runner := &fakeRunner{replies: map[string]string{
		"ad": `{"appId":"new-app","password":"pw","tenant":"t"}`,
	}}
	a := New(runner, zerolog.Nop())

	sp, err := a.CreateServicePrincipal(context.Background(), "", false, "sub-9")
	require.NoError(t, err)
	require.Equal(t, "new-app", sp.AppID)
	require.Regexp(t, regexp.MustCompile(`^azutil-[0-9a-f]{8}-app$`), sp.DisplayName)

	args := strings.Join(runner.calls[0], " ")
	require.Contains(t, args, "ad sp create-for-rbac -n azutil-")
	require.Contains(t, args, "--scopes /subscriptions/sub-9")

	env := sp.Env("sub-9")
	require.Contains(t, env, "AZURE_CLIENT_ID=new-app")
	require.Contains(t, env, "AZURE_SUBSCRIPTION_ID=sub-9")
}

func TestValidateServicePrincipalEnv(t *testing.T) {
	err := ValidateServicePrincipalEnv(config.AzureConfig{ClientID: "c"})
	require.ErrorIs(t, err, ErrMissingCredentials)
	require.Contains(t, err.Error(), "AZURE_CLIENT_SECRET, AZURE_SUBSCRIPTION_ID, AZURE_TENANT_ID")

	require.NoError(t, ValidateServicePrincipalEnv(config.AzureConfig{SubscriptionID: "s", TenantID: "t", ClientID: "c", ClientSecret: "x"}))
}

func TestFromConfig(t *testing.T) {
	id, err := FromConfig(config.AzureConfig{SubscriptionID: "s", TenantID: "t", ClientID: "c", ClientSecret: "x"})
	require.NoError(t, err)
	require.Equal(t, "c", id.ClientID)

	_, err = FromConfig(config.AzureConfig{ClientID: "c"})
	require.ErrorIs(t, err, ErrMissingCredentials)

	_, err = (&Identity{}).RequireSubscription()
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("Service-Principal")
	require.NoError(t, err)
	require.Equal(t, MethodServicePrincipal, m)

	_, err = ParseMethod("kerberos")
	require.Error(t, err)
}
