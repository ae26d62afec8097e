// Package scheduler fires proactive sends on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chanbridge/internal/bridge"
	"chanbridge/internal/config"
)

const defaultJobTimeout = 2 * time.Minute

// ProactiveSender delivers an unsolicited message through a pooled connection.
type ProactiveSender interface {
	Proactive(ctx context.Context, key string, targets []string, text string) (bridge.ProactiveResult, error)
}

// Config configures a Scheduler.
type Config struct {
	Sender   ProactiveSender
	Timeout  time.Duration // per run; defaults to two minutes
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

// JobStatus is the externally visible state of one schedule.
type JobStatus struct {
	ID         string    `json:"id"`
	Connection string    `json:"connection"`
	Cron       string    `json:"cron"`
	Next       time.Time `json:"next,omitzero"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	LastSent   int       `json:"last_sent"`
}

type job struct {
	cfg     config.ScheduleConfig
	entry   cron.EntryID
	running bool
	lastRun time.Time
	lastErr string
	sent    int
}

// Scheduler owns a cron runner whose entries call the proactive sender.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config) *Scheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultJobTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(cfg.Location)),
		parser: parser,
		logger: cfg.Logger.With("component", "scheduler"),
		jobs:   make(map[string]*job),
	}
}

// Add registers a schedule. Disabled schedules are kept for status but never fire.
func (s *Scheduler) Add(sc config.ScheduleConfig) error {
	if sc.ID == "" {
		return errors.New("schedule id is required")
	}
	if _, err := s.parser.Parse(sc.Cron); err != nil {
		return fmt.Errorf("schedule %s: invalid cron %q: %w", sc.ID, sc.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[sc.ID]; exists {
		return fmt.Errorf("schedule %q already exists", sc.ID)
	}
	j := &job{cfg: sc}
	if sc.Enabled {
		id, err := s.cron.AddFunc(sc.Cron, func() { s.run(context.Background(), sc.ID) })
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
		j.entry = id
	}
	s.jobs[sc.ID] = j
	s.logger.Info("schedule added", "id", sc.ID, "cron", sc.Cron, "connection", sc.AssistantID+":"+sc.Platform, "enabled", sc.Enabled)
	return nil
}

// Remove unregisters a schedule.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("schedule %q not found", id)
	}
	if j.entry != 0 {
		s.cron.Remove(j.entry)
	}
	delete(s.jobs, id)
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runner and waits for in-progress runs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow fires a schedule immediately, outside its cron timing.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", id)
	}
	return s.run(ctx, id)
}

func (s *Scheduler) run(ctx context.Context, id string) (err error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if j.running {
		s.mu.Unlock()
		s.logger.Warn("skip schedule, previous run still active", "id", id)
		return fmt.Errorf("schedule %q is already running", id)
	}
	j.running = true
	sc := j.cfg
	s.mu.Unlock()

	var res bridge.ProactiveResult
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("schedule %s panicked: %v", id, r)
		}
		s.mu.Lock()
		j.running = false
		j.lastRun = s.cfg.Now()
		j.sent = len(res.Sent)
		j.lastErr = ""
		if err != nil {
			j.lastErr = err.Error()
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("scheduled send failed", "id", id, "err", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	key := config.ConnectionConfig{AssistantID: sc.AssistantID, Platform: sc.Platform}.Key()
	res, err = s.cfg.Sender.Proactive(ctx, key, sc.Targets, sc.Message)
	if err == nil {
		s.logger.Info("scheduled send done", "id", id, "sent", len(res.Sent), "skipped", len(res.Skipped), "failed", len(res.Failed))
	}
	return err
}

// Status lists every schedule sorted by id.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for id, j := range s.jobs {
		st := JobStatus{
			ID:         id,
			Connection: j.cfg.AssistantID + ":" + j.cfg.Platform,
			Cron:       j.cfg.Cron,
			LastRun:    j.lastRun,
			LastError:  j.lastErr,
			LastSent:   j.sent,
		}
		if j.entry != 0 {
			st.Next = s.cron.Entry(j.entry).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
