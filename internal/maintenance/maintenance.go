// Package maintenance runs periodic housekeeping on a cron schedule: idle
// endpoint cache entries, orphaned member rows and expired relay job status.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"globalchat/internal/eventbus"
	logx "globalchat/pkg/logx"
)

const (
	TaskEndpointSweep = "endpoint_sweep"
	TaskOrphanSweep   = "orphan_sweep"
	TaskStatusSweep   = "status_sweep"
)

const orphanTimeout = 30 * time.Second

// Config is the resolved schedule. An empty spec disables that task.
type Config struct {
	Enabled         bool
	Timezone        string
	EndpointSweep   string
	EndpointIdleTTL time.Duration
	OrphanSweep     string
	StatusSweep     string
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		EndpointSweep:   "@every 10m",
		EndpointIdleTTL: time.Hour,
		OrphanSweep:     "0 4 * * *",
		StatusSweep:     "@every 1m",
	}
}

type EndpointSweeper interface {
	Sweep(idle time.Duration) int
}

type OrphanPruner interface {
	PruneOrphans(ctx context.Context) (int, error)
}

type StatusPruner interface {
	PruneStatus() int
}

// Targets are the components housekeeping acts on. Nil targets are skipped.
type Targets struct {
	Endpoints EndpointSweeper
	Orphans   OrphanPruner
	Status    StatusPruner
}

// Result describes one task run. It is also the MaintenanceSwept payload.
type Result struct {
	Task    string
	Removed int
	Took    time.Duration
	Err     error
}

type Service struct {
	targets Targets
	log     logx.Logger
	bus     eventbus.Bus
	parser  cron.Parser

	idle atomic.Int64

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	ctx  context.Context
	runs map[string]cron.EntryID
}

func New(cfg Config, targets Targets, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		targets: targets,
		log:     log.With(logx.String("comp", "maintenance")),
		bus:     bus,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:     cfg,
		runs:    map[string]cron.EntryID{},
	}
	s.idle.Store(int64(cfg.EndpointIdleTTL))
	return s
}

// Running reports whether the cron scheduler is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start begins triggering. A disabled config is a no-op until Apply enables it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("maintenance disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	runs := map[string]cron.EntryID{}
	for _, t := range s.schedule(s.cfg) {
		if strings.TrimSpace(t.spec) == "" {
			continue
		}
		task := t.name
		id, err := c.AddFunc(t.spec, func() { s.run(task) })
		if err != nil {
			return fmt.Errorf("maintenance.%s: invalid schedule %q: %w", t.name, t.spec, err)
		}
		runs[task] = id
	}
	c.Start()
	s.c, s.runs = c, runs
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("schedules", len(runs)))
	return nil
}

// Stop halts triggering and waits for running tasks until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.runs = map[string]cron.EntryID{}
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config. The scheduler is rebuilt when the timezone, a
// spec or the enabled flag changed; the idle TTL takes effect on the next run.
func (s *Service) Apply(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	for _, t := range s.schedule(cfg) {
		if strings.TrimSpace(t.spec) == "" {
			continue
		}
		if _, err := s.parser.Parse(t.spec); err != nil {
			return fmt.Errorf("maintenance.%s: invalid schedule %q: %w", t.name, t.spec, err)
		}
	}
	s.idle.Store(int64(cfg.EndpointIdleTTL))

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if !sameSchedule(old, cfg) && s.ctx != nil {
		prev := s.c
		s.c = nil
		var err error
		if cfg.Enabled {
			err = s.startLocked()
		}
		s.mu.Unlock()
		if prev != nil {
			// Stop outside the lock; a running task may still be finishing.
			go func() { <-prev.Stop().Done() }()
		}
		if err == nil {
			s.log.Info("maintenance schedule reloaded", logx.Bool("enabled", cfg.Enabled))
		}
		return err
	}
	s.mu.Unlock()
	return nil
}

// Next reports when task fires next; ok is false if it isn't scheduled.
func (s *Service) Next(task string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.runs[task]
	if !ok || s.c == nil {
		return time.Time{}, false
	}
	e := s.c.Entry(id)
	return e.Next, e.Valid()
}

// RunNow runs every task once, synchronously, regardless of schedule.
func (s *Service) RunNow(ctx context.Context) []Result {
	out := make([]Result, 0, 3)
	for _, name := range []string{TaskEndpointSweep, TaskOrphanSweep, TaskStatusSweep} {
		if ctx.Err() != nil {
			break
		}
		if r, ok := s.runTask(ctx, name); ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) run(task string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.runTask(ctx, task)
}

func (s *Service) runTask(ctx context.Context, task string) (Result, bool) {
	start := time.Now()
	r := Result{Task: task}
	switch task {
	case TaskEndpointSweep:
		if s.targets.Endpoints == nil {
			return r, false
		}
		r.Removed = s.targets.Endpoints.Sweep(time.Duration(s.idle.Load()))
	case TaskOrphanSweep:
		if s.targets.Orphans == nil {
			return r, false
		}
		cctx, cancel := context.WithTimeout(ctx, orphanTimeout)
		r.Removed, r.Err = s.targets.Orphans.PruneOrphans(cctx)
		cancel()
	case TaskStatusSweep:
		if s.targets.Status == nil {
			return r, false
		}
		r.Removed = s.targets.Status.PruneStatus()
	default:
		r.Err = errors.New("unknown task")
		return r, false
	}
	r.Took = time.Since(start)

	fields := []logx.Field{logx.String("task", task), logx.Int("removed", r.Removed), logx.Duration("took", r.Took)}
	switch {
	case r.Err != nil:
		s.log.Warn("maintenance task failed", append(fields, logx.Err(r.Err))...)
	case r.Removed > 0:
		s.log.Info("maintenance task done", fields...)
	default:
		s.log.Debug("maintenance task done", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.MaintenanceSwept, Data: r})
	return r, true
}

type scheduled struct {
	name string
	spec string
}

func (s *Service) schedule(cfg Config) []scheduled {
	return []scheduled{
		{TaskEndpointSweep, cfg.EndpointSweep},
		{TaskOrphanSweep, cfg.OrphanSweep},
		{TaskStatusSweep, cfg.StatusSweep},
	}
}

func sameSchedule(a, b Config) bool {
	return a.Enabled == b.Enabled &&
		strings.TrimSpace(a.Timezone) == strings.TrimSpace(b.Timezone) &&
		strings.TrimSpace(a.EndpointSweep) == strings.TrimSpace(b.EndpointSweep) &&
		strings.TrimSpace(a.OrphanSweep) == strings.TrimSpace(b.OrphanSweep) &&
		strings.TrimSpace(a.StatusSweep) == strings.TrimSpace(b.StatusSweep)
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("maintenance.timezone: %w", err)
	}
	return loc, nil
}
