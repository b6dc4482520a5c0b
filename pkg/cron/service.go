package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HKUDS/wxdify/pkg/bus"
	"github.com/HKUDS/wxdify/pkg/config"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoBotID is returned by RunJob when no bot identity is configured.
var ErrNoBotID = errors.New("bot wxid not configured")

// ErrUnknownJob is returned by RunJob for names that were never registered.
var ErrUnknownJob = errors.New("unknown job")

// ErrAlreadyFiring is returned by RunJob while a previous firing of the same
// job is still delivering.
var ErrAlreadyFiring = errors.New("previous firing still running")

// Converser answers a prompt on behalf of a chat. *agent.Client implements it.
type Converser interface {
	Converse(ctx context.Context, chatID, query string) string
}

// Options configures a Service.
type Options struct {
	Bus            *bus.MessageBus
	Channel        string
	BotID          string
	Converser      Converser
	Location       *time.Location
	MaxConcurrency int
	Logger         *zap.Logger
}

type entry struct {
	job      Job
	id       cron.EntryID
	schedule cron.Schedule
	state    JobState
}

// Service manages scheduled jobs.
type Service struct {
	opts   Options
	parser cron.Parser
	cron   *cron.Cron
	logger *zap.Logger

	jobs map[string]*entry
	mu   sync.Mutex

	runCtx context.Context
	cancel context.CancelFunc
}

// NewService creates a new cron service. Jobs fire only after Start.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:   opts,
		parser: parser,
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(opts.Location)),
		logger: opts.Logger,
		jobs:   make(map[string]*entry),
		runCtx: ctx,
		cancel: cancel,
	}
}

// Register validates job and schedules it, replacing any job with the same
// name. Invalid jobs are kept as skipped so Jobs can report why.
func (s *Service) Register(job Job) error {
	sched, err := s.validate(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[job.Name]; ok && old.id != 0 {
		s.cron.Remove(old.id)
	}

	if err != nil {
		s.jobs[job.Name] = &entry{
			job:   job,
			state: JobState{Job: job, LastStatus: StatusSkipped, LastError: err.Error()},
		}
		return err
	}

	name := job.Name
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(name) }))
	s.jobs[name] = &entry{
		job:      job,
		id:       id,
		schedule: sched,
		state:    JobState{Job: job},
	}
	s.logger.Info("scheduled job registered",
		zap.String("job", name),
		zap.Stringer("kind", job.Kind),
		zap.String("cron", job.Expr),
		zap.Strings("targets", job.Targets))
	return nil
}

func (s *Service) validate(job Job) (cron.Schedule, error) {
	switch {
	case job.Name == "":
		return nil, &JobError{Job: job.Name, Reason: "empty name"}
	case !job.Enabled:
		return nil, &JobError{Job: job.Name, Reason: "disabled"}
	case len(job.Targets) == 0:
		return nil, &JobError{Job: job.Name, Reason: "no target groups"}
	case strings.TrimSpace(job.Payload) == "" && job.Kind == FixedText:
		return nil, &JobError{Job: job.Name, Reason: "no message"}
	case strings.TrimSpace(job.Payload) == "":
		return nil, &JobError{Job: job.Name, Reason: "no prompt"}
	case len(strings.Fields(job.Expr)) != 5:
		return nil, &JobError{Job: job.Name, Reason: fmt.Sprintf("cron expression %q must have 5 fields", job.Expr)}
	}
	sched, err := s.parser.Parse(job.Expr)
	if err != nil {
		return nil, &JobError{Job: job.Name, Reason: "invalid cron expression", Err: err}
	}
	return sched, nil
}

// LoadJobs registers every configured task and reports the counts.
func (s *Service) LoadJobs(tasks []config.ScheduledTask) (registered, skipped int) {
	for _, t := range tasks {
		job, err := JobFromTask(t)
		if err == nil {
			err = s.Register(job)
		} else {
			s.mu.Lock()
			s.jobs[job.Name] = &entry{
				job:   job,
				state: JobState{Job: job, LastStatus: StatusSkipped, LastError: err.Error()},
			}
			s.mu.Unlock()
		}
		if err != nil {
			s.logger.Warn("skipping scheduled job", zap.String("job", job.Name), zap.Error(err))
			skipped++
			continue
		}
		registered++
	}
	s.logger.Info("scheduled jobs loaded", zap.Int("registered", registered), zap.Int("skipped", skipped))
	return registered, skipped
}

// Start begins firing registered jobs.
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("cron service started", zap.Int("jobs", s.activeCount()), zap.String("tz", s.opts.Location.String()))
}

// Stop stops the scheduler and waits for in-flight firings. If ctx expires
// first the firings are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Service) fire(name string) {
	_, err := s.RunJob(s.runCtx, name)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyFiring):
		s.logger.Warn("skipping overlapping firing", zap.String("job", name))
	default:
		s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
	}
}

// RunJob fires name now. Every target is attempted independently; their
// failures are in the Report, not the returned error. A job fires at most
// once at a time; an overlapping call returns ErrAlreadyFiring.
func (s *Service) RunJob(ctx context.Context, name string) (Report, error) {
	report := Report{Job: name}

	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok || e.id == 0 {
		s.mu.Unlock()
		return report, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	job := e.job
	if s.opts.BotID == "" {
		e.state.LastRun = time.Now()
		e.state.LastStatus = StatusSkipped
		e.state.LastError = ErrNoBotID.Error()
		s.mu.Unlock()
		return report, ErrNoBotID
	}
	if e.state.Firing {
		s.mu.Unlock()
		return report, fmt.Errorf("%w: %s", ErrAlreadyFiring, name)
	}
	e.state.Firing = true
	s.mu.Unlock()

	logger := s.logger.With(
		zap.String("job", name),
		zap.Stringer("kind", job.Kind),
		zap.String("firing_id", uuid.NewString()))
	logger.Info("executing scheduled job", zap.Int("targets", len(job.Targets)))
	started := time.Now()

	var (
		delivered, failed atomic.Int32
		errMu             sync.Mutex
		errs              error
	)
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrency)
	for _, target := range job.Targets {
		g.Go(func() error {
			if err := s.deliver(ctx, job, target); err != nil {
				logger.Error("scheduled delivery failed", zap.String("target", target), zap.Error(err))
				failed.Add(1)
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", target, err))
				errMu.Unlock()
				return nil
			}
			logger.Info("scheduled delivery sent", zap.String("target", target))
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	report.Err = errs

	s.mu.Lock()
	if cur, ok := s.jobs[name]; ok && cur == e {
		e.state.Firing = false
		e.state.LastRun = started
		e.state.LastStatus = report.Status()
		e.state.LastError = ""
		if errs != nil {
			e.state.LastError = errs.Error()
		}
	}
	s.mu.Unlock()

	logger.Info("scheduled job finished",
		zap.String("status", report.Status()),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", time.Since(started)))
	return report, nil
}

func (s *Service) deliver(ctx context.Context, job Job, target string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	content := job.Payload
	if job.Kind == AIPrompt {
		if s.opts.Converser == nil {
			return errors.New("no chat backend configured")
		}
		content = s.opts.Converser.Converse(ctx, target, job.Payload)
	}
	return s.opts.Bus.Deliver(ctx, bus.OutboundMessage{
		Channel: s.opts.Channel,
		ChatID:  target,
		Content: content,
		BotID:   s.opts.BotID,
	})
}

// Jobs returns the state of every known job, sorted by name.
func (s *Service) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().In(s.opts.Location)
	out := make([]JobState, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := e.state
		if e.schedule != nil {
			st.Next = e.schedule.Next(now)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.Name < out[j].Job.Name })
	return out
}

func (s *Service) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.jobs {
		if e.id != 0 {
			n++
		}
	}
	return n
}

// Len reports the number of scheduled (non-skipped) jobs.
func (s *Service) Len() int {
	return s.activeCount()
}
