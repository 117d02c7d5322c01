// Package cron triggers periodic housekeeping jobs on robfig/cron and hands
// their execution to the task engine.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nagbot/internal/task/engine"
	logx "nagbot/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ; empty means UTC
}

// Enqueuer is the part of the task engine used for execution.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	exec   Enqueuer
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*job
}

func New(cfg Config, exec Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "cron")),
		exec: exec,
		// SecondOptional accepts both 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
}

// AddSchedule registers (or replaces) a named job. Runs are skipped while the
// previous run of the same job is queued or running.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if run == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(ps.Spec()); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.jobs[name]; old != nil && s.c != nil {
		s.c.Remove(old.entryID)
	}
	j := &job{name: name, spec: ps.Spec(), timeout: timeout, run: run}
	s.jobs[name] = j
	if s.c != nil {
		return s.registerLocked(j)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[name]
	if j == nil {
		return false
	}
	if s.c != nil {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) registerLocked(j *job) error {
	id, err := s.c.AddFunc(j.spec, func() { s.fire(j) })
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", j.name), logx.String("spec", j.spec), logx.Err(err))
		return err
	}
	j.entryID = id
	s.log.Debug("schedule registered", logx.String("name", j.name), logx.String("spec", j.spec), logx.Time("next", s.c.Entry(id).Next))
	return nil
}

func (s *Service) fire(j *job) {
	err := s.exec.Enqueue(engine.Task{
		Name:    "cron." + j.name,
		Key:     "cron:" + j.name,
		Timeout: j.timeout,
		Run:     j.run,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: 2},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrKeyBusy):
		s.log.Debug("schedule skipped: previous run active", logx.String("name", j.name))
	default:
		s.log.Warn("schedule enqueue failed", logx.String("name", j.name), logx.Err(err))
	}
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, j := range s.jobs {
		_ = s.registerLocked(j)
	}
	s.c.Start()
	s.log.Info("cron started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

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
	}
	s.log.Info("cron stopped")
}

type Entry struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{Name: j.name, Spec: j.spec}
		if s.c != nil && j.entryID != 0 {
			ce := s.c.Entry(j.entryID)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
