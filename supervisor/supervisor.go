package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/metrics"
)

// Config tunes the supervision loop.
type Config struct {
	// Keywords identify the payload process by name.
	Keywords []string
	// Folder holds the restart scripts.
	Folder string

	WaitInterval    time.Duration
	SettleDelay     time.Duration
	FocusTimeout    time.Duration
	PollInterval    time.Duration
	ReappearTimeout time.Duration
}

// DefaultConfig returns the supervision timings used in production.
func DefaultConfig() Config {
	return Config{
		WaitInterval:    2 * time.Second,
		SettleDelay:     3 * time.Second,
		FocusTimeout:    10 * time.Second,
		PollInterval:    time.Second,
		ReappearTimeout: 30 * time.Second,
	}
}

// Supervisor keeps the payload process alive.
type Supervisor struct {
	Config
	Processes ProcessLister
	Focuser   Focuser
	Runner    Runner
	Status    interfaces.StatusSink
	Log       *slog.Logger

	current Process
}

// New returns a supervisor wired to the running system.
func New(cfg Config, status interfaces.StatusSink, log *slog.Logger) *Supervisor {
	if log == nil {
		log = common.DiscardLogger()
	}
	return &Supervisor{
		Config:    cfg,
		Processes: SystemProcesses{},
		Focuser:   SystemFocuser(),
		Runner:    ScriptRunner{},
		Status:    status,
		Log:       log,
	}
}

// WaitForStart blocks until a payload process is seen or ctx is done.
func (s *Supervisor) WaitForStart(ctx context.Context) (Process, error) {
	s.Log.Info("Waiting for payload process", "keywords", s.Keywords)
	for {
		if p, ok := s.find(); ok {
			s.Log.Info("Payload process found", "pid", p.PID, "name", p.Name)
			return p, nil
		}
		select {
		case <-ctx.Done():
			return Process{}, ctx.Err()
		case <-time.After(s.WaitInterval):
		}
	}
}

// Run waits for the payload, focuses it and then watches it until ctx is
// done, restarting it whenever it disappears. A failing iteration is logged
// and never ends the loop.
func (s *Supervisor) Run(ctx context.Context) error {
	p, err := s.WaitForStart(ctx)
	if err != nil {
		return err
	}
	s.current = p

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.SettleDelay):
	}
	s.focus(ctx, p)

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.iteration(ctx); err != nil {
				s.Log.Warn("Supervision iteration failed", "err", err)
			}
		}
	}
}

func (s *Supervisor) iteration(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in supervision loop: %v", r)
		}
	}()

	procs, err := s.Processes.Processes()
	if err != nil {
		return fmt.Errorf("could not list processes: %w", err)
	}
	if p, ok := FindByKeyword(procs, s.Keywords); ok {
		s.current = p
		return nil
	}

	script, ok := FindStartScript(s.Folder)
	if !ok {
		metrics.PayloadRestarts.WithLabelValues("no_script").Inc()
		s.Log.Warn("Payload is not running and no restart script was found", "folder", s.Folder)
		return nil
	}

	s.Log.Warn("Payload is not running, restarting", "script", script, "last_pid", s.current.PID)
	if err := s.Runner.Start(ctx, script); err != nil {
		metrics.PayloadRestarts.WithLabelValues("failed").Inc()
		return err
	}

	p, err := s.waitReappear(ctx)
	if err != nil {
		metrics.PayloadRestarts.WithLabelValues("failed").Inc()
		return err
	}
	s.current = p
	s.focus(ctx, p)
	metrics.PayloadRestarts.WithLabelValues("ok").Inc()
	s.report("restarted")
	s.Log.Info("Payload restarted", "pid", p.PID, "name", p.Name)
	return nil
}

func (s *Supervisor) waitReappear(ctx context.Context) (Process, error) {
	deadline := time.Now().Add(s.ReappearTimeout)
	for {
		if p, ok := s.find(); ok {
			return p, nil
		}
		if time.Now().After(deadline) {
			return Process{}, fmt.Errorf("%w: payload did not reappear within %s", interfaces.ErrTimeout, s.ReappearTimeout)
		}
		select {
		case <-ctx.Done():
			return Process{}, ctx.Err()
		case <-time.After(s.PollInterval):
		}
	}
}

// focus retries until the window exists or FocusTimeout passes.
func (s *Supervisor) focus(ctx context.Context, p Process) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = s.FocusTimeout
	err := backoff.Retry(func() error {
		return s.Focuser.Focus(p.PID)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		s.Log.Debug("Could not focus payload window", "pid", p.PID, "err", err)
	}
}

func (s *Supervisor) find() (Process, bool) {
	procs, err := s.Processes.Processes()
	if err != nil {
		s.Log.Debug("Could not list processes", "err", err)
		return Process{}, false
	}
	return FindByKeyword(procs, s.Keywords)
}

func (s *Supervisor) report(msg string) {
	if s.Status != nil {
		s.Status.Report(interfaces.Status{Stage: interfaces.StageSupervise, Message: msg, Percent: -1})
	}
}
