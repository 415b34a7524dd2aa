package deploy

import (
	"context"
	"log"
	"os"
	"time"
)

type DriverConfig struct {
	PollInterval time.Duration
	Logger       *log.Logger
}

// RunDriver keeps advancing in-flight deployments until ctx is cancelled.
// Progress is driven eagerly: as long as something transitioned it advances
// again immediately, then sleeps for the poll interval once everything is
// soaking or idle.
func RunDriver(ctx context.Context, orch *Orchestrator, cfg DriverConfig) {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[driver] ", log.LstdFlags)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		moved := AdvanceInFlight(ctx, orch, logger)
		if moved == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// AdvanceInFlight calls Advance once on every in-flight deployment and
// returns how many actually transitioned.
func AdvanceInFlight(ctx context.Context, orch *Orchestrator, logger *log.Logger) int {
	if logger == nil {
		logger = log.New(os.Stdout, "[driver] ", log.LstdFlags)
	}
	moved := 0
	for _, d := range orch.InFlight() {
		if ctx.Err() != nil {
			return moved
		}
		updated, err := orch.Advance(ctx, d.ID)
		if err != nil {
			logger.Printf("advance %s (%s@%s): %v", d.ID, d.ArtifactName, d.TargetVersion, err)
			continue
		}
		if updated.State != d.State || updated.StageIndex != d.StageIndex {
			moved++
		}
	}
	return moved
}
