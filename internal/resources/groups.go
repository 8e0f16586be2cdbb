// Package resources manages resource groups and storage accounts.
package resources

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/rs/zerolog"
)

// Group is a resource group summary.
type Group struct {
	Name     string
	Location string
	State    string
}

// Resource is a resource inside a group.
type Resource struct {
	Name     string
	Type     string
	Location string
}

// GroupManager is the resource-group surface used by cleanup and provisioning.
type GroupManager interface {
	CreateOrUpdate(ctx context.Context, name, location string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Group, error)
	ListResources(ctx context.Context, group string) ([]Resource, error)
	RegisterProvider(ctx context.Context, namespace string) error
}

// Groups implements GroupManager with armresources.
type Groups struct {
	groups    *armresources.ResourceGroupsClient
	resources *armresources.Client
	providers *armresources.ProvidersClient
	logger    zerolog.Logger
}

// NewGroups builds the ARM clients for a subscription.
func NewGroups(subscriptionID string, cred azcore.TokenCredential, logger zerolog.Logger) (*Groups, error) {
	if subscriptionID == "" {
		return nil, errors.New("subscription id is required")
	}
	factory, err := armresources.NewClientFactory(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create resources client factory: %w", err)
	}
	return &Groups{
		groups:    factory.NewResourceGroupsClient(),
		resources: factory.NewClient(),
		providers: factory.NewProvidersClient(),
		logger:    logger.With().Str("component", "resources").Logger(),
	}, nil
}

// CreateOrUpdate creates the group or updates its location tag.
func (g *Groups) CreateOrUpdate(ctx context.Context, name, location string) error {
	resp, err := g.groups.CreateOrUpdate(ctx, name, armresources.ResourceGroup{Location: to.Ptr(location)}, nil)
	if err != nil {
		return fmt.Errorf("create resource group %s: %w", name, err)
	}
	g.logger.Info().Str("group", name).Str("location", location).Str("id", deref(resp.ID)).Msg("resource group ready")
	return nil
}

// Delete removes the group and waits for completion.
func (g *Groups) Delete(ctx context.Context, name string) error {
	poller, err := g.groups.BeginDelete(ctx, name, nil)
	if err != nil {
		return fmt.Errorf("delete resource group %s: %w", name, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("wait for resource group %s deletion: %w", name, err)
	}
	g.logger.Info().Str("group", name).Msg("resource group deleted")
	return nil
}

// List returns every resource group in the subscription.
func (g *Groups) List(ctx context.Context) ([]Group, error) {
	var out []Group
	pager := g.groups.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resource groups: %w", err)
		}
		for _, rg := range page.Value {
			if rg == nil {
				continue
			}
			grp := Group{Name: deref(rg.Name), Location: deref(rg.Location)}
			if rg.Properties != nil {
				grp.State = deref(rg.Properties.ProvisioningState)
			}
			out = append(out, grp)
		}
	}
	return out, nil
}

// ListResources returns the resources in a group.
func (g *Groups) ListResources(ctx context.Context, group string) ([]Resource, error) {
	var out []Resource
	pager := g.resources.NewListByResourceGroupPager(group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resources of %s: %w", group, err)
		}
		for _, item := range page.Value {
			if item == nil {
				continue
			}
			out = append(out, Resource{Name: deref(item.Name), Type: deref(item.Type), Location: deref(item.Location)})
		}
	}
	return out, nil
}

// RegisterProvider registers a resource provider namespace such as Microsoft.Sql.
func (g *Groups) RegisterProvider(ctx context.Context, namespace string) error {
	resp, err := g.providers.Register(ctx, namespace, nil)
	if err != nil {
		return fmt.Errorf("register provider %s: %w", namespace, err)
	}
	g.logger.Debug().Str("namespace", namespace).Str("state", deref(resp.RegistrationState)).Msg("provider registered")
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ GroupManager = (*Groups)(nil)
