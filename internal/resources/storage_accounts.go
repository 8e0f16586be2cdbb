package resources

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/rs/zerolog"
)

// CreateAccountOptions parameterise storage account creation.
type CreateAccountOptions struct {
	ResourceGroup string
	Name          string
	Location      string
	SKU           string
	Kind          string
}

// AccountInfo is the result of creating an account.
type AccountInfo struct {
	Name             string
	ResourceGroup    string
	Keys             []string
	ConnectionString string
}

// StorageAccounts creates storage accounts through armstorage.
type StorageAccounts struct {
	accounts *armstorage.AccountsClient
	groups   GroupManager
	logger   zerolog.Logger
}

// NewStorageAccounts builds the armstorage client.
func NewStorageAccounts(subscriptionID string, cred azcore.TokenCredential, groups GroupManager, logger zerolog.Logger) (*StorageAccounts, error) {
	if subscriptionID == "" {
		return nil, errors.New("subscription id is required")
	}
	factory, err := armstorage.NewClientFactory(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create storage client factory: %w", err)
	}
	return &StorageAccounts{
		accounts: factory.NewAccountsClient(),
		groups:   groups,
		logger:   logger.With().Str("component", "storage_accounts").Logger(),
	}, nil
}

// Defaults fills unset options.
func (o CreateAccountOptions) Defaults() CreateAccountOptions {
	if o.Name == "" {
		o.Name = fmt.Sprintf("azutil%d", 100+rand.IntN(900))
	}
	if o.SKU == "" {
		o.SKU = string(armstorage.SKUNameStandardLRS)
	}
	if o.Kind == "" {
		o.Kind = string(armstorage.KindStorageV2)
	}
	if o.Location == "" {
		o.Location = "westus"
	}
	return o
}

// Create ensures the group, creates the account and returns its keys and
// connection string.
func (s *StorageAccounts) Create(ctx context.Context, opts CreateAccountOptions) (AccountInfo, error) {
	opts = opts.Defaults()
	if opts.ResourceGroup == "" {
		return AccountInfo{}, errors.New("resource group is required")
	}
	if s.groups != nil {
		if err := s.groups.CreateOrUpdate(ctx, opts.ResourceGroup, opts.Location); err != nil {
			return AccountInfo{}, err
		}
	}

	poller, err := s.accounts.BeginCreate(ctx, opts.ResourceGroup, opts.Name, armstorage.AccountCreateParameters{
		Kind:     to.Ptr(armstorage.Kind(opts.Kind)),
		Location: to.Ptr(opts.Location),
		SKU:      &armstorage.SKU{Name: to.Ptr(armstorage.SKUName(opts.SKU))},
	}, nil)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("create storage account %s: %w", opts.Name, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return AccountInfo{}, fmt.Errorf("wait for storage account %s: %w", opts.Name, err)
	}

	keys, err := s.Keys(ctx, opts.ResourceGroup, opts.Name)
	if err != nil {
		return AccountInfo{}, err
	}
	info := AccountInfo{Name: opts.Name, ResourceGroup: opts.ResourceGroup, Keys: keys}
	if len(keys) > 0 {
		info.ConnectionString = ConnectionString(opts.Name, keys[0])
	}
	s.logger.Info().Str("account", opts.Name).Str("group", opts.ResourceGroup).Msg("storage account created")
	return info, nil
}

// Keys lists the account keys.
func (s *StorageAccounts) Keys(ctx context.Context, group, name string) ([]string, error) {
	resp, err := s.accounts.ListKeys(ctx, group, name, nil)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", name, err)
	}
	keys := make([]string, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		if k != nil && k.Value != nil {
			keys = append(keys, *k.Value)
		}
	}
	return keys, nil
}

// ConnectionString formats a storage connection string from an account key.
func ConnectionString(account, key string) string {
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net", account, key)
}
