// Package supervisor keeps the multi-process pipeline alive: ordered
// startup, liveness monitoring, per-child restart policies, and a
// reverse-order teardown that escalates from SIGTERM to SIGKILL.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/metrics"
)

// ErrFatalChild is returned when a fatal child (ingress) dies or a child
// exhausts its restart budget; the process should exit non-zero.
var ErrFatalChild = errors.New("fatal child death")

// Task is an in-process component the supervisor runs alongside the child
// processes (aggregator, bus monitor, heartbeat).
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// Critical tasks take the node down when they stop on their own.
	Critical bool
}

type Config struct {
	Workers []ChildSpec
	Ingress ChildSpec

	AggregatorTask Task
	MonitorTask    Task
	ExtraTasks     []Task

	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
	StageDelay      time.Duration
}

type Supervisor struct {
	cfg     Config
	bus     *bus.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	children map[string]*child
	order    []string
	exits    chan childExit
	taskErrs chan taskExit

	taskCancel context.CancelFunc
	shuttingDown bool
}

type taskExit struct {
	name     string
	critical bool
	err      error
}

func New(cfg Config, b *bus.Bus, m *metrics.Metrics, log zerolog.Logger) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		bus:      b,
		metrics:  m,
		log:      log.With().Str("component", "supervisor").Logger(),
		state:    StateInit,
		children: make(map[string]*child),
		exits:    make(chan childExit, 16),
		taskErrs: make(chan taskExit, 8),
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChildStates reports each child's liveness for the status API.
func (s *Supervisor) ChildStates() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.children))
	for name, c := range s.children {
		out[name] = c.alive()
	}
	return out
}

func (s *Supervisor) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ValidateTransition(s.state, to); err != nil {
		return err
	}
	s.log.Info().Str("from", string(s.state)).Str("to", string(to)).Msg("state transition")
	s.state = to
	return nil
}

// Run drives the node from INIT to STOPPED. It returns nil only on a clean
// interrupt-driven shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	taskCtx, cancel := context.WithCancel(context.Background())
	s.taskCancel = cancel

	err := s.startup(ctx, taskCtx)
	if err == nil {
		err = s.monitorLoop(ctx)
	}

	s.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) startup(ctx, taskCtx context.Context) error {
	_ = s.transition(StateBusReset)
	if err := s.bus.Reset(ctx); err != nil {
		return fmt.Errorf("bus reset: %w", err)
	}

	if err := s.transition(StateWorkersStarting); err != nil {
		return err
	}
	for _, spec := range s.cfg.Workers {
		if err := s.startChild(spec); err != nil {
			return fmt.Errorf("start %s: %w", spec.Name, err)
		}
		s.pause(ctx)
	}

	if err := s.transition(StateAggregatorStarting); err != nil {
		return err
	}
	s.startTask(taskCtx, s.cfg.AggregatorTask)
	s.pause(ctx)

	if err := s.transition(StateMonitorStarting); err != nil {
		return err
	}
	s.startTask(taskCtx, s.cfg.MonitorTask)
	for _, t := range s.cfg.ExtraTasks {
		s.startTask(taskCtx, t)
	}
	s.pause(ctx)

	if err := s.transition(StateIngressStarting); err != nil {
		return err
	}
	if err := s.startChild(s.cfg.Ingress); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Ingress.Name, err)
	}
	s.pause(ctx)

	if err := s.transition(StateRunning); err != nil {
		return err
	}
	s.log.Info().Msg("sentinel node running")
	return ctx.Err()
}

func (s *Supervisor) startChild(spec ChildSpec) error {
	c, err := startChild(spec, s.exits, s.log)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if prev, ok := s.children[spec.Name]; ok {
		c.restarts = prev.restarts
	} else {
		s.order = append(s.order, spec.Name)
	}
	s.children[spec.Name] = c
	s.mu.Unlock()
	s.log.Info().Str("child", spec.Name).Int("pid", c.pid()).Msg("child started")
	return nil
}

func (s *Supervisor) startTask(ctx context.Context, t Task) {
	if t.Run == nil {
		return
	}
	s.log.Info().Str("task", t.Name).Msg("task started")
	go func() {
		err := t.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.taskErrs <- taskExit{name: t.Name, critical: t.Critical, err: err}
			return
		}
		if ctx.Err() == nil {
			s.taskErrs <- taskExit{name: t.Name, critical: t.Critical, err: err}
		}
	}()
}

// monitorLoop watches child exits and polls liveness until shutdown is
// requested or a fatal condition appears.
func (s *Supervisor) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutdown requested")
			return ctx.Err()

		case exit := <-s.exits:
			if err := s.handleExit(exit); err != nil {
				return err
			}

		case te := <-s.taskErrs:
			if te.critical {
				return fmt.Errorf("critical task %s stopped: %w", te.name, te.err)
			}
			s.log.Error().Err(te.err).Str("task", te.name).Msg("task stopped")

		case <-ticker.C:
			alive := 0
			for _, c := range s.children {
				if c.alive() {
					alive++
				}
			}
			s.log.Info().Int("alive", alive).Int("total", len(s.children)).Msg("liveness check")
		}
	}
}

// handleExit applies the dead child's restart policy. Fatal children end
// the node; restartable children are respawned until their budget runs out.
func (s *Supervisor) handleExit(exit childExit) error {
	s.mu.Lock()
	c, ok := s.children[exit.name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.log.Warn().Str("child", exit.name).Int("code", exit.code).Msg("child exited")

	spec := c.spec
	if spec.Fatal {
		return fmt.Errorf("%w: %s exited with code %d", ErrFatalChild, exit.name, exit.code)
	}

	restart := false
	switch spec.Policy {
	case RestartAlways:
		restart = true
	case RestartOnFailure:
		restart = exit.code != 0
	}
	if !restart {
		s.log.Info().Str("child", exit.name).Msg("not restarting per policy")
		return nil
	}
	if c.restarts >= spec.MaxRestarts {
		return fmt.Errorf("%w: %s exhausted restart budget (%d)", ErrFatalChild, exit.name, spec.MaxRestarts)
	}

	c.restarts++
	s.metrics.ChildRestarts.WithLabelValues(exit.name).Inc()
	s.log.Info().Str("child", exit.name).Int("restart", c.restarts).Msg("restarting child")
	if err := s.startChild(spec); err != nil {
		return fmt.Errorf("%w: restart of %s failed: %v", ErrFatalChild, exit.name, err)
	}
	return nil
}

// shutdown tears everything down in reverse dependency order: the producer
// first so no new jobs enter, consumers last so in-flight work drains.
func (s *Supervisor) shutdown() {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true

	if s.state != StateShuttingDown {
		_ = s.transition(StateShuttingDown)
	}

	if c, ok := s.children[s.cfg.Ingress.Name]; ok {
		c.stop(s.cfg.ShutdownTimeout, s.log)
	}
	if s.taskCancel != nil {
		s.taskCancel()
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		if name == s.cfg.Ingress.Name {
			continue
		}
		if c, ok := s.children[name]; ok {
			c.stop(s.cfg.ShutdownTimeout, s.log)
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.log.Info().Msg("all processes stopped")
}

func (s *Supervisor) pause(ctx context.Context) {
	if s.cfg.StageDelay <= 0 {
		return
	}
	select {
	case <-time.After(s.cfg.StageDelay):
	case <-ctx.Done():
	}
}
