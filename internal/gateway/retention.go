// ABOUTME: Periodic pruning of old messages and CLI version records
// ABOUTME: Driven by messages.retention and versions.retention

package gateway

import (
	"context"
	"time"
)

// retentionInterval is how often pruning runs when any retention is set.
const retentionInterval = 10 * time.Minute

// runRetention prunes until ctx is done. It returns at once when neither
// retention is configured.
func (g *Gateway) runRetention(ctx context.Context) {
	if g.config.Messages.Retention <= 0 && g.config.Versions.Retention <= 0 {
		return
	}

	ticker := g.clock.NewTicker(retentionInterval)
	defer ticker.Stop()

	g.pruneOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.pruneOnce(ctx)
		}
	}
}

// pruneOnce deletes records older than their retention. Errors are logged.
func (g *Gateway) pruneOnce(ctx context.Context) (messages, versions int64) {
	now := g.clock.Now()

	if r := g.config.Messages.Retention; r > 0 {
		n, err := g.store.PruneMessages(ctx, now.Add(-r))
		if err != nil {
			g.logger.Error("failed to prune messages", "error", err)
		} else if n > 0 {
			g.logger.Info("pruned messages", "count", n, "retention", r)
		}
		messages = n
	}

	if r := g.config.Versions.Retention; r > 0 {
		n, err := g.store.PruneVersions(ctx, now.Add(-r))
		if err != nil {
			g.logger.Error("failed to prune cli versions", "error", err)
		} else if n > 0 {
			g.logger.Info("pruned cli versions", "count", n, "retention", r)
		}
		versions = n
	}
	return messages, versions
}
