package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
)

// outboxBacklogChecker сообщает degraded, когда outbox копит больше maxPending событий.
type outboxBacklogChecker struct {
	repo       domain.OutboxRepository
	maxPending int
}

func newOutboxBacklogChecker(repo domain.OutboxRepository, maxPending int) *outboxBacklogChecker {
	return &outboxBacklogChecker{repo: repo, maxPending: maxPending}
}

func (c *outboxBacklogChecker) Check(context.Context) healthcheck.Check {
	start := time.Now()
	check := healthcheck.Check{Name: "outbox", Status: healthcheck.StatusHealthy}

	stats, err := c.repo.Stats()
	switch {
	case err != nil:
		check.Status = healthcheck.StatusDegraded
		check.Message = err.Error()
	case stats.PendingCount > c.maxPending:
		check.Status = healthcheck.StatusDegraded
		check.Message = fmt.Sprintf("%d pending events (limit %d)", stats.PendingCount, c.maxPending)
	}
	check.DurationMs = time.Since(start).Milliseconds()
	return check
}
