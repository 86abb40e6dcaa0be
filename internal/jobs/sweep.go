package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/config"
)

// Sweeper is the set of periodic passes the sweep job drives.
type Sweeper interface {
	RefreshPending(ctx context.Context) (int64, error)
	ExpirePending(ctx context.Context) (int64, error)
	PurgeDisconnected(ctx context.Context) (int64, error)
}

type SweepJob struct {
	sweeper  Sweeper
	interval time.Duration
	done     chan struct{}
}

func NewSweepJob(sweeper Sweeper, interval time.Duration) *SweepJob {
	return &SweepJob{
		sweeper:  sweeper,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("sweep job started")
}

func (j *SweepJob) Stop() {
	close(j.done)
	log.Info().Msg("sweep job stopped")
}

func (j *SweepJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), config.SweepTimeout)
	defer cancel()

	j.runSweep(ctx, "pending sessions refreshed", j.sweeper.RefreshPending)
	j.runSweep(ctx, "pending sessions expired", j.sweeper.ExpirePending)
	j.runSweep(ctx, "disconnected sessions purged", j.sweeper.PurgeDisconnected)
}

func (j *SweepJob) runSweep(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("sweep failed: %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msg(name)
	}
}
