package webhook

import (
	"log"
	"sync/atomic"
	"time"
)

// RetentionSweeper periodically purges webhook logs past the retention
// window.
type RetentionSweeper struct {
	dispatcher *Dispatcher
	ticker     *time.Ticker
	stopCh     chan bool
	busy       atomic.Bool
}

// NewRetentionSweeper creates a new retention sweeper.
func NewRetentionSweeper(dispatcher *Dispatcher, interval time.Duration) *RetentionSweeper {
	return &RetentionSweeper{
		dispatcher: dispatcher,
		ticker:     time.NewTicker(interval),
		stopCh:     make(chan bool),
	}
}

// Start begins the periodic retention sweep.
func (s *RetentionSweeper) Start() {
	log.Println("[INFO] Starting webhook log retention sweeper...")
	go func() {
		s.sweep()

		for {
			select {
			case <-s.ticker.C:
				s.sweep()
			case <-s.stopCh:
				log.Println("[INFO] Stopping webhook log retention sweeper.")
				s.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *RetentionSweeper) Stop() {
	s.stopCh <- true
}

func (s *RetentionSweeper) sweep() {
	// Skip if a previous sweep is still executing rather than overlap.
	if !s.busy.CompareAndSwap(false, true) {
		log.Println("[INFO] Previous retention sweep still running, skipping this tick.")
		return
	}
	defer s.busy.Store(false)

	removed, err := s.dispatcher.CleanupOldLogs()
	if err != nil {
		log.Printf("[ERROR] Webhook log retention sweep failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[INFO] Retention sweep removed %d webhook logs", removed)
	}
}
