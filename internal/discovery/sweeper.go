package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/logiwatch/incident-orchestrator/internal/config"
)

// Sweeper completes discovery runs left in RUNNING, e.g. by a process that
// crashed mid-reveal.
type Sweeper struct {
	Engine   *Engine
	Config   config.SweeperConfig
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a Sweeper with sensible defaults for zero-value config fields.
func NewSweeper(e *Engine, cfg config.SweeperConfig) *Sweeper {
	if cfg.IntervalSec == 0 {
		cfg.IntervalSec = 30
	}
	if cfg.StaleAfterSec == 0 {
		cfg.StaleAfterSec = 120
	}
	return &Sweeper{
		Engine: e,
		Config: cfg,
		stopCh: make(chan struct{}),
	}
}

// Sweep forces COMPLETED on every incident that has been RUNNING for longer
// than StaleAfterSec and has no reveal in flight in this process. It returns
// the ids it completed.
func (s *Sweeper) Sweep(ctx context.Context, nowUnix int64) ([]string, error) {
	cutoff := nowUnix - int64(s.Config.StaleAfterSec)
	stale, err := s.Engine.Incidents.ListRunningSince(ctx, s.Engine.DB, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}

	var completed []string
	for _, inc := range stale {
		if s.Engine.Running(inc.ID) {
			continue
		}
		if s.Engine.forceComplete(ctx, inc.ID, nil, inc.Candidates, "stale") {
			completed = append(completed, inc.ID)
		}
	}
	return completed, nil
}

// StartMonitoring spawns a goroutine that periodically sweeps stale runs.
func (s *Sweeper) StartMonitoring(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.Config.IntervalSec) * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx, time.Now().Unix()); err != nil {
					s.Engine.logger.WarnContext(ctx, "sweep failed", "error", err)
				}
			}
		}
	}()
}

// StopMonitoring signals the monitoring goroutine to stop. Safe to call multiple times.
func (s *Sweeper) StopMonitoring() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
