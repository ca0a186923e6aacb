package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/provider"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// Stats is the dashboard summary document.
type Stats struct {
	ActiveQueues     int `json:"activeQueues"`
	TotalServers     int `json:"totalServers"`
	AvailableServers int `json:"availableServers"`
	PurchaseSuccess  int `json:"purchaseSuccess"`
	PurchaseFailed   int `json:"purchaseFailed"`
}

// StatsService aggregates the dashboard summary from store snapshots. It
// never takes scheduler locks.
type StatsService struct {
	store store.Store
}

// NewStatsService creates a new StatsService.
func NewStatsService(s store.Store) *StatsService {
	return &StatsService{store: s}
}

// GetStats counts running items, catalog plans with stock in at least one
// datacenter, and purchase outcomes.
func (s *StatsService) GetStats(ctx context.Context) (Stats, error) {
	running, err := s.store.ListQueueByStatus(ctx, store.StatusRunning)
	if err != nil {
		return Stats{}, err
	}

	plans, err := s.store.ListServerPlans(ctx)
	if err != nil {
		return Stats{}, err
	}

	purchases, err := s.store.ListPurchases(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		ActiveQueues: len(running),
		TotalServers: len(plans),
	}
	for _, plan := range plans {
		for _, dc := range plan.Datacenters {
			if provider.IsAvailable(dc.Availability) {
				stats.AvailableServers++
				break
			}
		}
	}
	for _, rec := range purchases {
		switch rec.Status {
		case store.PurchaseSuccess:
			stats.PurchaseSuccess++
		case store.PurchaseFailed:
			stats.PurchaseFailed++
		}
	}
	return stats, nil
}

// runQueueCollector periodically publishes queue depth by status.
func runQueueCollector(ctx context.Context, s store.Store, interval time.Duration) error {
	logger := log.WithField("component", "collector")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			items, err := s.ListQueue(ctx)
			if err != nil {
				logger.WithError(err).Warn("Failed to list queue")
				continue
			}
			counts := map[store.QueueStatus]int{
				store.StatusPending:   0,
				store.StatusRunning:   0,
				store.StatusCompleted: 0,
				store.StatusFailed:    0,
			}
			for _, item := range items {
				counts[item.Status]++
			}
			for status, n := range counts {
				observability.QueueItems.WithLabelValues(string(status)).Set(float64(n))
			}
		}
	}
}
