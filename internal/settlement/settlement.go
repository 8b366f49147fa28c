// Package settlement runs the daily job that releases settled holdings.
//
// Sell checks derive sellable quantity from recent buy trades, so the
// stored available_qty only has to catch up once per trading day. The job
// recomputes that column with the same cutoff the sell check uses, so buys
// still inside their settlement window stay locked.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

// Job is a unit of scheduled work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler runs jobs on cron schedules evaluated in a fixed location.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler creates a scheduler whose five-field specs are read in loc.
func NewScheduler(loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AddJob registers job under schedule, e.g. "0 0 * * *" or "@every 1h".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := job.Run(); err != nil {
			s.logger.Error("job failed", "job", job.Name(), "err", err)
			return
		}
		s.logger.Debug("job completed", "job", job.Name())
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name(), err)
	}
	s.logger.Info("job registered", "job", job.Name(), "schedule", schedule)
	return nil
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.logger.Info("running job immediately", "job", job.Name())
	return job.Run()
}

// RulesProvider returns the rule of a market, or nil when none is set.
type RulesProvider interface {
	Get(ctx context.Context, market model.Market) (*model.MarketRule, error)
}

// ReleaseJob sets available_qty of every position in a T+N market (N > 0)
// to its quantity less the buys that have not settled yet.
type ReleaseJob struct {
	st        store.Store
	positions *ledger.Positions
	rules     RulesProvider
	now       func() time.Time
	timeout   time.Duration
	logger    *slog.Logger
}

// NewReleaseJob creates the release job. A nil now means time.Now; trading
// days start at midnight in loc (nil means UTC).
func NewReleaseJob(st store.Store, rules RulesProvider, now func() time.Time, loc *time.Location, logger *slog.Logger) *ReleaseJob {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReleaseJob{
		st:        st,
		positions: ledger.NewPositions(st, now, loc),
		rules:     rules,
		now:       now,
		timeout:   time.Minute,
		logger:    logger,
	}
}

func (j *ReleaseJob) Name() string { return "settlement_release" }

func (j *ReleaseJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, err := j.Release(ctx)
	return err
}

// Release returns the number of positions changed per market. Markets
// without a rule, or settling T+0, are skipped.
func (j *ReleaseJob) Release(ctx context.Context) (map[model.Market]int64, error) {
	at := j.now().UTC()
	released := make(map[model.Market]int64)
	for _, m := range model.Markets {
		rule, err := j.rules.Get(ctx, m)
		if err != nil {
			return released, fmt.Errorf("rule for %s: %w", m, err)
		}
		if rule == nil || rule.TPlus <= 0 {
			continue
		}

		cutoff := j.positions.SettlementCutoff(rule.TPlus)
		n, err := j.st.ReleaseAvailable(ctx, m, cutoff, at)
		if err != nil {
			return released, fmt.Errorf("release %s: %w", m, err)
		}
		released[m] = n
		metrics.SettlementReleased.WithLabelValues(string(m)).Add(float64(n))
		j.logger.Info("settlement released", "market", m, "t_plus", rule.TPlus, "cutoff", cutoff, "positions", n)
	}
	return released, nil
}
