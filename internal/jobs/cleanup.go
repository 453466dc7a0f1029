package jobs

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Pruner drops rate-limit identities whose attempts have all aged out.
// The redis limiter expires its keys itself and needs no pruner.
type Pruner interface {
	Prune() int
}

// SessionEvictor drops in-memory browser sessions that have gone idle.
type SessionEvictor interface {
	EvictIdle(ttl time.Duration) int
}

type CleanupJob struct {
	limiter  Pruner
	sessions SessionEvictor
	idleTTL  time.Duration
	interval time.Duration
	done     chan struct{}
}

func NewCleanupJob(limiter Pruner, sessions SessionEvictor, idleTTL, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		limiter:  limiter,
		sessions: sessions,
		idleTTL:  idleTTL,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	if j.limiter != nil {
		j.report("rate limit identities", j.limiter.Prune())
	}
	if j.sessions != nil {
		j.report("idle client sessions", j.sessions.EvictIdle(j.idleTTL))
	}
}

func (j *CleanupJob) report(name string, count int) {
	if count > 0 {
		log.Info().Int("count", count).Msgf("cleaned up %s", name)
	}
}
