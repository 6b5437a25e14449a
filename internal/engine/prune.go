package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/Tom-Hartley/Preview-Warden/internal/docker"
	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
	"github.com/Tom-Hartley/Preview-Warden/internal/metrics"
)

// Pruner reclaims runtime disk space on a cron schedule. Pruning is
// opt-in; without a schedule it never runs.
type Pruner struct {
	docker docker.API
	log    *logging.Logger
	cron   *cron.Cron
}

// NewPruner creates a Pruner.
func NewPruner(d docker.API, log *logging.Logger) *Pruner {
	return &Pruner{docker: d, log: log, cron: cron.New()}
}

// Start schedules pruning. An empty spec disables it.
func (p *Pruner) Start(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := p.cron.AddFunc(spec, func() { p.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("prune schedule %q: %w", spec, err)
	}
	p.cron.Start()
	p.log.Info("runtime pruning scheduled", "cron", spec)
	return nil
}

// Stop halts the schedule, waiting for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

// RunOnce prunes stopped containers, dangling images, and unused volumes.
func (p *Pruner) RunOnce(ctx context.Context) (docker.PruneResult, error) {
	res, err := p.docker.Prune(ctx)
	if err != nil {
		p.log.Error("runtime prune failed", "error", err)
		return res, err
	}
	metrics.PruneRuns.Inc()
	p.log.Info("runtime prune complete",
		"containers", res.ContainersDeleted,
		"images", res.ImagesDeleted,
		"volumes", res.VolumesDeleted,
		"bytesReclaimed", res.SpaceReclaimed,
	)
	return res, nil
}
