package apps

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// HealthSweeper periodically refreshes container statuses and runs health
// probes for all running apps.
type HealthSweeper struct {
	manager *Manager
	ticker  *time.Ticker
	stopCh  chan bool
	busy    atomic.Bool
}

// NewHealthSweeper creates a new health sweeper.
func NewHealthSweeper(manager *Manager, interval time.Duration) *HealthSweeper {
	return &HealthSweeper{
		manager: manager,
		ticker:  time.NewTicker(interval),
		stopCh:  make(chan bool),
	}
}

// Start begins the periodic health sweep.
func (s *HealthSweeper) Start() {
	log.Println("[INFO] Starting app health sweeper...")
	go func() {
		// Sweep immediately on start
		s.sweep()

		for {
			select {
			case <-s.ticker.C:
				s.sweep()
			case <-s.stopCh:
				log.Println("[INFO] Stopping app health sweeper.")
				s.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *HealthSweeper) Stop() {
	s.stopCh <- true
}

func (s *HealthSweeper) sweep() {
	// Skip if a previous sweep is still executing rather than overlap.
	if !s.busy.CompareAndSwap(false, true) {
		log.Println("[INFO] Previous health sweep still running, skipping this tick.")
		return
	}
	defer s.busy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s.manager.SyncContainerStatuses(ctx)
	s.manager.UpdateAllHealthStatuses(ctx)
}
