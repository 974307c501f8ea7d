package relay

import (
	"context"
	"time"

	"ai-legalchat-be/internal/config"
	"ai-legalchat-be/internal/pkg/logger"
	"ai-legalchat-be/pkg/events"
	pktNats "ai-legalchat-be/pkg/nats"
)

// Reaper periodically sweeps the registry: idle users get all their
// connections force-closed, dead transports are pruned, and emptied user
// sets are evicted. It is the only component that removes a
// UserConnectionSet.
type Reaper struct {
	registry *Registry
	audit    *pktNats.Publisher
	log      logger.ILogger
	cfg      config.RelayConfig
}

func NewReaper(registry *Registry, audit *pktNats.Publisher, log logger.ILogger, cfg config.RelayConfig) *Reaper {
	return &Reaper{
		registry: registry,
		audit:    audit,
		log:      log,
		cfg:      cfg,
	}
}

// Run sweeps on the configured period until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepOnce()
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce performs one cleanup pass.
func (r *Reaper) SweepOnce() {
	result := r.registry.Sweep(time.Now(), r.cfg.IdleTimeout, r.cfg.CapacityCloseCode)

	if result.ClosedConnections > 0 || result.PrunedConnections > 0 || len(result.ReapedUsers) > 0 {
		r.log.Info("Reaper", "sweep completed", map[string]interface{}{
			"closed_connections": result.ClosedConnections,
			"pruned_connections": result.PrunedConnections,
			"reaped_users":       len(result.ReapedUsers),
		})
	}

	if r.audit == nil {
		return
	}
	for _, userId := range result.ReapedUsers {
		evt := events.BaseEvent{
			Type:       events.TypeUserReaped,
			Data:       map[string]interface{}{"user_id": userId.String()},
			OccurredAt: time.Now(),
		}
		if err := r.audit.Publish(context.Background(), evt); err != nil {
			r.log.Warn("Reaper", "audit event publish failed", map[string]interface{}{
				"user_id": userId,
				"error":   err.Error(),
			})
		}
	}
}
