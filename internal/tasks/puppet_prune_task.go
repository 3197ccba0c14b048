package tasks

import (
	"context"
	"fmt"
	"time"
)

// newPuppetPruneTask creates the scheduled task that removes puppet
// identities not used within the configured retention window. Handler rows
// cascade away with their puppets.
func newPuppetPruneTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "puppet_prune")
	retention := deps.Config.Registry.PuppetRetention

	return func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-retention)
		start := time.Now()

		pruned, err := deps.Store.PruneStalePuppets(ctx, cutoff)
		if err != nil {
			log.ErrorContext(ctx, "Puppet prune failed", "error", err, "duration", time.Since(start))
			return fmt.Errorf("puppet prune failed: %w", err)
		}

		log.InfoContext(ctx, "Puppet prune completed",
			"pruned", pruned, "cutoff", cutoff, "duration", time.Since(start))
		return nil
	}
}
