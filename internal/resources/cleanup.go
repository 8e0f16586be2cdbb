package resources

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// CleanupReport lists what a cleanup found and whether the group was deleted.
type CleanupReport struct {
	Group     string
	Found     bool
	Resources []Resource
	Deleted   bool
	Err       error
}

// CleanUp deletes the named group after logging every contained resource.
// It is best effort: failures are logged and recorded in the report, never
// returned, so callers can keep going.
func CleanUp(ctx context.Context, api GroupManager, group string, logger zerolog.Logger) CleanupReport {
	log := logger.With().Str("component", "cleanup").Str("group", group).Logger()
	report := CleanupReport{Group: group}

	groups, err := api.List(ctx)
	if err != nil {
		report.Err = err
		log.Error().Err(err).Msg("failed to list resource groups")
		return report
	}

	for _, g := range groups {
		if g.Name != group {
			continue
		}
		report.Found = true

		items, err := api.ListResources(ctx, group)
		if err != nil {
			log.Error().Err(err).Msg("failed to list resources, deleting group anyway")
		}
		report.Resources = items
		for _, item := range items {
			log.Info().
				Str("name", item.Name).
				Str("type", item.Type).
				Str("location", item.Location).
				Msg("resource will be deleted")
		}

		if err := api.Delete(ctx, group); err != nil {
			report.Err = err
			log.Error().Err(err).Msg("failed to delete resource group")
			return report
		}
		report.Deleted = true
		log.Info().Int("resources", len(items)).Msg("resource group cleaned up")
		return report
	}

	log.Info().Msg("resource group not found, nothing to clean up")
	return report
}

// Summary renders the report as one line.
func (r CleanupReport) Summary() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("cleanup of %s failed: %v", r.Group, r.Err)
	case !r.Found:
		return fmt.Sprintf("resource group %s not found", r.Group)
	default:
		return fmt.Sprintf("deleted resource group %s with %d resources", r.Group, len(r.Resources))
	}
}
