package jobs

import (
	"context"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/Latermedia/linearbot-sub006/internal/repo"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type syncer interface {
	Synchronize(ctx context.Context, ignoredTeamKeys []string) (*domain.SyncReport, error)
}

type snapshotter interface {
	ComputeAllSnapshots(ctx context.Context)
}

type digester interface {
	Send(ctx context.Context) error
}

// Cron owns the two schedules: the reconcile-and-snapshot loop and the weekly
// digest. Each job takes a pg advisory lock so only one replica runs it.
type Cron struct {
	cfg     config.Config
	log     zerolog.Logger
	sync    syncer
	metrics snapshotter
	digest  digester
	repo    *repo.Repository
	c       *cron.Cron
}

const (
	syncLockKey   int64 = 600601
	digestLockKey int64 = 600602
)

func NewCron(cfg config.Config, log zerolog.Logger, sync syncer, metrics snapshotter, digest digester, r *repo.Repository) *Cron {
	loc, _ := time.LoadLocation(cfg.TZ)
	c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
	cr := &Cron{cfg: cfg, log: log, sync: sync, metrics: metrics, digest: digest, repo: r, c: c}
	_, _ = c.AddFunc(cfg.SyncCron, cr.syncJob)
	_, _ = c.AddFunc(cfg.DigestCron, cr.digestJob)
	return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

func (cr *Cron) withLock(key int64, timeout time.Duration, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := cr.repo.TryAdvisoryLock(ctx, key)
	if err != nil { cr.log.Error().Err(err).Str("job", name).Msg("cron: lock error"); return }
	if !ok { cr.log.Info().Str("job", name).Msg("cron: already running elsewhere"); return }
	defer func() { _ = cr.repo.AdvisoryUnlock(context.Background(), key) }()
	cr.log.Info().Str("job", name).Msg("cron: start")
	fn(ctx)
}

func (cr *Cron) syncJob() {
	cr.withLock(syncLockKey, 15*time.Minute, "sync", func(ctx context.Context) {
		rep, err := cr.sync.Synchronize(ctx, cr.cfg.IgnoredTeamKeys)
		if err != nil {
			cr.log.Error().Err(err).Msg("cron: sync failed")
			return
		}
		cr.log.Info().Str("run_id", rep.RunID).Int("total", rep.TotalStored).Msg("cron: sync ok")
		cr.metrics.ComputeAllSnapshots(ctx)
	})
}

func (cr *Cron) digestJob() {
	cr.withLock(digestLockKey, 5*time.Minute, "digest", func(ctx context.Context) {
		if err := cr.digest.Send(ctx); err != nil {
			cr.log.Error().Err(err).Msg("cron: digest failed")
		}
	})
}
