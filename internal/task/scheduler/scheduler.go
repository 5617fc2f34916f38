// Package scheduler drives the task engine from a cron schedule.
//
// It only decides when a pass starts. Overlap handling, ordering and
// outcomes belong to the engine; the scheduler fires Tick and counts what
// happened.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "clockbot/pkg/logx"
)

// DefaultSpec runs a pass every minute.
const DefaultSpec = "@every 1m"

type Config struct {
	Enabled    bool
	Spec       string
	Timezone   string // IANA zone for cron fields, empty means UTC
	RunOnStart bool
}

// Ticker is what the scheduler drives. Tick returns false when the pass was
// dropped because another one was still running.
type Ticker interface {
	Tick(ctx context.Context) bool
}

type Snapshot struct {
	Enabled  bool
	Spec     string
	Timezone string
	Next     time.Time
	Prev     time.Time
	Passes   uint64
	Skipped  uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	ticker Ticker
	parser cron.Parser

	c     *cron.Cron
	entry cron.EntryID
	ctx   context.Context
	loc   *time.Location

	passes  atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, ticker Ticker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		ticker: ticker,
		log:    log,
		// SecondOptional accepts both 5 and 6 field expressions.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks a config without touching the running schedule.
func (s *Service) Validate(cfg Config) error {
	_, err := s.schedule(cfg)
	if err != nil {
		return err
	}
	_, err = loadLocation(cfg.Timezone)
	return err
}

func (s *Service) schedule(cfg Config) (cron.Schedule, error) {
	spec := strings.TrimSpace(cfg.Spec)
	if spec == "" {
		spec = DefaultSpec
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	return s.parser.Parse(ps.CronSpec())
}

// Start begins firing passes until Stop or ctx is done. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	if err := s.startLocked(); err != nil {
		return err
	}
	if s.cfg.RunOnStart {
		go s.fire()
	}
	return nil
}

func (s *Service) startLocked() error {
	sched, err := s.schedule(s.cfg)
	if err != nil {
		return err
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	s.entry = c.Schedule(sched, cron.FuncJob(s.fire))
	s.c, s.loc = c, loc
	c.Start()
	s.log.Info("scheduler started", logx.String("spec", s.specLocked()), logx.String("tz", loc.String()), logx.Time("next", c.Entry(s.entry).Next))
	return nil
}

func (s *Service) specLocked() string {
	if spec := strings.TrimSpace(s.cfg.Spec); spec != "" {
		return spec
	}
	return DefaultSpec
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if s.ticker.Tick(ctx) {
		s.passes.Add(1)
		return
	}
	s.skipped.Add(1)
}

// Apply swaps the schedule when spec, zone or the enabled flag change. An
// invalid config is logged and the current schedule kept.
func (s *Service) Apply(cfg Config) {
	if cfg.Enabled {
		if err := s.Validate(cfg); err != nil {
			s.log.Warn("scheduler config rejected", logx.Err(err))
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.ctx == nil {
		return
	}
	if old.Enabled == cfg.Enabled && old.Spec == cfg.Spec && old.Timezone == cfg.Timezone {
		return
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	if err := s.startLocked(); err != nil {
		s.log.Error("scheduler restart failed", logx.Err(err))
	}
}

// Stop halts firing and waits for a running pass until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; a pass is still running")
	}
	s.log.Info("scheduler stopped", logx.Uint64("passes", s.passes.Load()), logx.Uint64("skipped", s.skipped.Load()))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled: s.cfg.Enabled,
		Spec:    s.specLocked(),
		Passes:  s.passes.Load(),
		Skipped: s.skipped.Load(),
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	if s.c != nil {
		e := s.c.Entry(s.entry)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	return snap
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// cronLogger routes robfig/cron's own messages through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
