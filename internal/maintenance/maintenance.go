// Package maintenance runs the gateway's periodic housekeeping on cron
// schedules: reconnecting stored sessions, dropping failed sessions from the
// registry and trimming the delivery log.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"msgate/pkg/logx"
)

const (
	JobRestore         = "restore"
	JobPruneSessions   = "prune_sessions"
	JobPruneDeliveries = "prune_deliveries"

	defaultJobTimeout       = 2 * time.Minute
	defaultFailedSessionAge = time.Hour
	defaultDeliveryMaxAge   = 30 * 24 * time.Hour
	defaultHistorySize      = 50
)

var ErrUnknownJob = errors.New("unknown maintenance job")

// Config holds one cron spec per job; an empty spec disables that job.
type Config struct {
	Timezone string

	RestoreOnStart bool
	Restore        string

	PruneSessions    string
	FailedSessionAge time.Duration

	PruneDeliveries string
	DeliveryMaxAge  time.Duration

	JobTimeout  time.Duration
	HistorySize int
}

func (c Config) normalized() Config {
	if c.FailedSessionAge <= 0 {
		c.FailedSessionAge = defaultFailedSessionAge
	}
	if c.DeliveryMaxAge <= 0 {
		c.DeliveryMaxAge = defaultDeliveryMaxAge
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	c.Restore = strings.TrimSpace(c.Restore)
	c.PruneSessions = strings.TrimSpace(c.PruneSessions)
	c.PruneDeliveries = strings.TrimSpace(c.PruneDeliveries)
	return c
}

func (c Config) specs() map[string]string {
	return map[string]string{
		JobRestore:         c.Restore,
		JobPruneSessions:   c.PruneSessions,
		JobPruneDeliveries: c.PruneDeliveries,
	}
}

type Sessions interface {
	Restore(ctx context.Context) ([]string, error)
	PruneFailed(age time.Duration) []string
}

type Deliveries interface {
	PruneDeliveries(ctx context.Context, before time.Time) (int, error)
}

type HistoryItem struct {
	Job      string        `json:"job"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Service struct {
	sessions   Sessions
	deliveries Deliveries
	log        logx.Logger
	parser     cron.Parser

	mu      sync.Mutex
	cfg     Config
	ctx     context.Context
	c       *cron.Cron
	loc     *time.Location
	entries map[string]cron.EntryID
	wg      sync.WaitGroup
	stopFn  context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds an idle service. deliveries may be nil when no delivery log
// is configured.
func New(cfg Config, sessions Sessions, deliveries Deliveries, log logx.Logger) *Service {
	return &Service{
		sessions:   sessions,
		deliveries: deliveries,
		log:        log.With(logx.String("comp", "maintenance")),
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:        cfg.normalized(),
	}
}

// Start registers the configured jobs and, when enabled, restores stored
// sessions once in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.stopFn = runCtx, cancel
	if err := s.buildLocked(); err != nil {
		cancel()
		s.ctx, s.stopFn = nil, nil
		return err
	}
	if s.cfg.RestoreOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.exec(JobRestore)
		}()
	}
	return nil
}

// Apply swaps the schedule. Running jobs finish under their old settings.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil || (prev.Timezone == cfg.Timezone && maps.Equal(prev.specs(), cfg.specs())) {
		return nil
	}
	old := s.c
	if err := s.buildLocked(); err != nil {
		s.cfg = prev
		return err
	}
	old.Stop()
	s.log.Info("maintenance schedule reloaded", logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) buildLocked() error {
	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("maintenance timezone %q: %w", s.cfg.Timezone, err)
		}
		loc = l
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	specs := s.cfg.specs()
	entries := map[string]cron.EntryID{}
	var enabled []string
	for _, name := range []string{JobRestore, JobPruneSessions, JobPruneDeliveries} {
		spec := specs[name]
		if spec == "" {
			continue
		}
		if name == JobPruneDeliveries && s.deliveries == nil {
			s.log.Warn("delivery pruning scheduled without a delivery log, skipping")
			continue
		}
		job := name
		id, err := c.AddFunc(spec, func() { s.exec(job) })
		if err != nil {
			return fmt.Errorf("maintenance.%s %q: %w", name, spec, err)
		}
		entries[name] = id
		enabled = append(enabled, name)
	}
	c.Start()
	s.c, s.loc, s.entries = c, loc, entries
	s.log.Info("maintenance scheduled", logx.Strings("jobs", enabled), logx.String("tz", loc.String()))
	return nil
}

// Stop halts the schedule and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.stopFn
	s.c, s.stopFn = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("maintenance stopped")
}

// RunNow executes one job synchronously, outside the schedule.
func (s *Service) RunNow(ctx context.Context, job string) (string, error) {
	fn, err := s.job(job)
	if err != nil {
		return "", err
	}
	return fn(ctx)
}

// Next reports the next scheduled run per enabled job.
func (s *Service) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	if s.c == nil {
		return out
	}
	for name, id := range s.entries {
		out[name] = s.c.Entry(id).Next
	}
	return out
}

// History returns finished runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return slices.Clone(s.history)
}

func (s *Service) job(name string) (func(ctx context.Context) (string, error), error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	switch name {
	case JobRestore:
		return func(ctx context.Context) (string, error) {
			ids, err := s.sessions.Restore(ctx)
			return fmt.Sprintf("%d restored", len(ids)), err
		}, nil
	case JobPruneSessions:
		return func(context.Context) (string, error) {
			ids := s.sessions.PruneFailed(cfg.FailedSessionAge)
			if len(ids) > 0 {
				s.log.Info("failed sessions pruned", logx.Strings("ids", ids))
			}
			return fmt.Sprintf("%d pruned", len(ids)), nil
		}, nil
	case JobPruneDeliveries:
		if s.deliveries == nil {
			return nil, fmt.Errorf("%w: %s (no delivery log)", ErrUnknownJob, name)
		}
		return func(ctx context.Context) (string, error) {
			n, err := s.deliveries.PruneDeliveries(ctx, time.Now().Add(-cfg.DeliveryMaxAge))
			return fmt.Sprintf("%d deleted", n), err
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
}

func (s *Service) exec(name string) {
	s.mu.Lock()
	parent, timeout := s.ctx, s.cfg.JobTimeout
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	fn, err := s.job(name)
	if err != nil {
		s.log.Warn("maintenance job unavailable", logx.String("job", name), logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	result, err := fn(ctx)
	item := HistoryItem{Job: name, Started: start, Duration: time.Since(start), Result: result}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("maintenance job failed", logx.String("job", name), logx.Err(err))
	} else {
		s.log.Debug("maintenance job ok", logx.String("job", name), logx.String("result", result), logx.Duration("took", item.Duration))
	}
	s.record(item)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}

// cronLogger routes cron's own messages (recovered panics, skipped runs)
// into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
