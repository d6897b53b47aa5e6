// Package scheduler runs incremental and full syncs on cron schedules and
// serializes manual triggers against them.
package scheduler

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/sync"
)

// Kind is a sync cadence
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// ParseKind validates a cadence name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindFull, KindIncremental:
		return k, nil
	default:
		return "", fmt.Errorf("unknown sync kind %q", s)
	}
}

// Runner executes one sync
type Runner interface {
	Sync(ctx context.Context, opts sync.Options) (*sync.SyncResult, error)
}

// Schedules are the cron expressions in effect
type Schedules struct {
	FullSync        string `json:"fullSync"`
	IncrementalSync string `json:"incrementalSync"`
}

// Running reports which cadences are in flight
type Running struct {
	Full        bool `json:"full"`
	Incremental bool `json:"incremental"`
}

// NextRuns are the upcoming scheduled fire times
type NextRuns struct {
	Full        *time.Time `json:"full,omitempty"`
	Incremental *time.Time `json:"incremental,omitempty"`
}

// Status is a snapshot of the scheduler
type Status struct {
	Enabled     bool                      `json:"enabled"`
	IsRunning   bool                      `json:"isRunning"`
	Schedules   Schedules                 `json:"schedules"`
	Running     Running                   `json:"running"`
	NextRuns    NextRuns                  `json:"nextRuns"`
	LastResults map[Kind]*sync.SyncResult `json:"lastResults"`
}

// Scheduler owns the cron loop and the per-cadence in-flight guards
type Scheduler struct {
	runner Runner
	cfg    config.SyncConfig
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	fullBusy        atomic.Bool
	incrementalBusy atomic.Bool
	started         atomic.Bool

	mu          gosync.Mutex
	entries     map[Kind]cron.EntryID
	lastResults map[Kind]*sync.SyncResult
}

// New creates a scheduler evaluating cfg's schedules in cfg.Timezone
func New(runner Runner, cfg config.SyncConfig) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
		}
	}

	logger := cronLogger{logger: loggy.With("component", "scheduler")}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[Kind]cron.EntryID),
		lastResults: make(map[Kind]*sync.SyncResult),
	}, nil
}

// Start registers both schedules and starts the cron loop. It is a no-op
// when scheduled runs are disabled. Runs are cancelled once ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	context.AfterFunc(ctx, s.cancel)

	if !s.cfg.Enabled {
		loggy.Info("Sync scheduler disabled")
		return nil
	}

	schedules := map[Kind]string{
		KindIncremental: s.cfg.IncrementalSchedule,
		KindFull:        s.cfg.FullSchedule,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, spec := range schedules {
		kind := kind
		id, err := s.cron.AddFunc(spec, func() { s.tick(kind) })
		if err != nil {
			return fmt.Errorf("scheduling %s sync %q: %w", kind, spec, err)
		}
		s.entries[kind] = id
	}

	s.cron.Start()
	s.started.Store(true)

	loggy.Info("Sync scheduler started",
		"incremental_schedule", s.cfg.IncrementalSchedule,
		"full_schedule", s.cfg.FullSchedule,
		"timezone", s.cron.Location().String(),
	)
	return nil
}

// Stop halts the cron loop, cancels in-flight runs and waits for them
func (s *Scheduler) Stop() {
	// cron.Stop waits for running jobs, so they must see cancellation first
	s.cancel()
	if s.started.Swap(false) {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	loggy.Info("Sync scheduler stopped")
}

func (s *Scheduler) guard(kind Kind) *atomic.Bool {
	if kind == KindFull {
		return &s.fullBusy
	}
	return &s.incrementalBusy
}

// tick is the cron job body for one cadence
func (s *Scheduler) tick(kind Kind) {
	g := s.guard(kind)
	if !g.CompareAndSwap(false, true) {
		loggy.Warn("sync already in progress, skipping", "sync_type", kind)
		return
	}
	defer g.Store(false)

	_, _ = s.run(s.ctx, kind, sync.Options{Group: sync.GroupAll, TriggeredBy: "scheduler"})
}

// Trigger starts a run in the background. It returns ErrSyncInProgress
// when a run of the same cadence is already in flight.
func (s *Scheduler) Trigger(kind Kind, opts sync.Options) error {
	g := s.guard(kind)
	if !g.CompareAndSwap(false, true) {
		return sync.ErrSyncInProgress
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer g.Store(false)
		_, _ = s.run(s.ctx, kind, opts)
	}()
	return nil
}

// RunNow runs synchronously under the same guard as Trigger
func (s *Scheduler) RunNow(ctx context.Context, kind Kind, opts sync.Options) (*sync.SyncResult, error) {
	g := s.guard(kind)
	if !g.CompareAndSwap(false, true) {
		return nil, sync.ErrSyncInProgress
	}
	defer g.Store(false)

	return s.run(ctx, kind, opts)
}

func (s *Scheduler) run(ctx context.Context, kind Kind, opts sync.Options) (*sync.SyncResult, error) {
	opts.FullSync = kind == KindFull

	result, err := s.runner.Sync(ctx, opts)
	if result != nil {
		s.mu.Lock()
		s.lastResults[kind] = result
		s.mu.Unlock()
	}
	if err != nil {
		loggy.Error("Sync run failed", "sync_type", kind, "triggered_by", opts.TriggeredBy, "error", err)
		return result, err
	}

	loggy.Info("Sync run finished",
		"sync_type", kind,
		"sync_id", result.ID,
		"status", result.Status,
		"triggered_by", opts.TriggeredBy,
	)
	return result, nil
}

// Status returns a snapshot of schedules, guards and last results
func (s *Scheduler) Status() Status {
	full, incremental := s.fullBusy.Load(), s.incrementalBusy.Load()

	status := Status{
		Enabled:   s.cfg.Enabled,
		IsRunning: full || incremental,
		Schedules: Schedules{
			FullSync:        s.cfg.FullSchedule,
			IncrementalSync: s.cfg.IncrementalSchedule,
		},
		Running:     Running{Full: full, Incremental: incremental},
		LastResults: make(map[Kind]*sync.SyncResult),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, r := range s.lastResults {
		status.LastResults[k] = r
	}
	if s.started.Load() {
		status.NextRuns.Full = s.nextRun(KindFull)
		status.NextRuns.Incremental = s.nextRun(KindIncremental)
	}
	return status
}

func (s *Scheduler) nextRun(kind Kind) *time.Time {
	id, ok := s.entries[kind]
	if !ok {
		return nil
	}
	next := s.cron.Entry(id).Next
	if next.IsZero() {
		return nil
	}
	return &next
}

// cronLogger adapts loggy to cron.Logger
type cronLogger struct {
	logger *loggy.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).Error(msg, keysAndValues...)
}
