// Package schedule runs the engine's periodic jobs (rotation tick, stats
// refresh, snapshot flush) on robfig/cron.
package schedule

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "rbs/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

// Func is one scheduled run. ctx carries the job timeout.
type Func func(ctx context.Context) error

type job struct {
	name    string
	spec    Spec
	timeout time.Duration
	run     Func
	entry   cron.EntryID

	mu      sync.Mutex
	runs    uint64
	lastRun time.Time
	lastErr string
}

// Entry is a point-in-time view of one job.
type Entry struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	LastRun time.Time `json:"last_run"`
	LastErr string    `json:"last_err,omitempty"`
	Runs    uint64    `json:"runs"`
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	jobs []*job
}

// New returns a stopped scheduler. An empty timezone means local time.
func New(timezone string, log logx.Logger) (*Service, error) {
	loc := time.Local
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule timezone: %w", err)
		}
		loc = l
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log.With(logx.String("comp", "schedule")), loc: loc, ctx: context.Background()}, nil
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Service) Add(name, rawSpec string, timeout time.Duration, run Func) error {
	sp, err := Parse(rawSpec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.jobs, func(j *job) bool { return j.name == name }) {
		return fmt.Errorf("schedule %s: already registered", name)
	}
	j := &job{name: name, spec: sp, timeout: timeout, run: run}
	s.jobs = append(s.jobs, j)
	if s.c != nil {
		return s.addLocked(j)
	}
	return nil
}

// Reschedule changes the spec of a registered job.
func (s *Service) Reschedule(name, rawSpec string) error {
	sp, err := Parse(rawSpec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.jobs, func(j *job) bool { return j.name == name })
	if i < 0 {
		return fmt.Errorf("schedule %s: not registered", name)
	}
	j := s.jobs[i]
	if j.spec == sp {
		return nil
	}
	j.spec = sp
	if s.c != nil {
		s.c.Remove(j.entry)
		return s.addLocked(j)
	}
	return nil
}

func (s *Service) addLocked(j *job) error {
	sched, err := j.spec.Schedule()
	if err != nil {
		return err
	}
	if j.spec.Kind == KindInterval {
		sched = withSpread(sched, j.spec.Every, time.Now().In(s.loc), j.name)
	}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).Then(cron.FuncJob(func() { s.fire(j) }))
	j.entry = s.c.Schedule(sched, wrapped)
	return nil
}

func (s *Service) fire(j *job) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, j.timeout)
	defer cancel()
	started := time.Now()
	err := j.run(ctx)

	j.mu.Lock()
	j.runs++
	j.lastRun = started
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", time.Since(started)), logx.Err(err))
		return
	}
	s.log.Trace("job done", logx.String("job", j.name), logx.Duration("took", time.Since(started)))
}

// Start runs the cron loop until Stop. Job contexts derive from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc), cron.WithChain(cron.Recover(cronLogger{s.log})))
	for _, j := range s.jobs {
		if err := s.addLocked(j); err != nil {
			s.log.Error("job not scheduled", logx.String("job", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop stops the cron loop and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot lists jobs in registration order.
func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{Name: j.name, Spec: j.spec.String()}
		if s.c != nil {
			e.Next = s.c.Entry(j.entry).Next
		}
		j.mu.Lock()
		e.Runs, e.LastRun, e.LastErr = j.runs, j.lastRun, j.lastErr
		j.mu.Unlock()
		out = append(out, e)
	}
	return out
}

// spreadSchedule delays the first interval run by a per-job jitter so jobs
// registered together do not fire together.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withSpread(base cron.Schedule, every time.Duration, now time.Time, name string) cron.Schedule {
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	r := rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
	jitter := time.Duration(r.Int64N(max(int64(spread/time.Second), 1))) * time.Second
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
