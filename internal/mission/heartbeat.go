package mission

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// heartbeatInterval is the §5 "separate heartbeat task" period: it updates
// jobs.heartbeat_at every 2s so an external liveness scanner can detect a
// crashed controller task for this job.
const heartbeatInterval = 2 * time.Second

// RunWithHeartbeat launches Controller.Run for jobID alongside a paired
// heartbeat task under one errgroup.Group (§5 scheduling model): a
// per-task-plus-supervisor goroutine pair rather than a bare
// go func()/sync.WaitGroup combination. The heartbeat task stops as soon
// as Run returns, whatever its outcome; Run's error (if any) is what's
// returned.
func (c *Controller) RunWithHeartbeat(ctx context.Context, jobID string) error {
	grp, gctx := errgroup.WithContext(ctx)

	runCtx, cancelHeartbeat := context.WithCancel(gctx)
	defer cancelHeartbeat()

	grp.Go(func() error {
		defer cancelHeartbeat()
		return c.Run(runCtx, jobID)
	})
	grp.Go(func() error {
		c.beatHeartbeat(runCtx, jobID)
		return nil
	})

	return grp.Wait()
}

func (c *Controller) beatHeartbeat(ctx context.Context, jobID string) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.touchHeartbeat(context.Background(), jobID)
		}
	}
}

func (c *Controller) touchHeartbeat(ctx context.Context, jobID string) {
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	now := c.Now()
	job.HeartbeatAt = &now
	_ = c.Store.UpdateJob(ctx, job)
}
