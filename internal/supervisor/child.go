package supervisor

import (
	"bufio"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RestartPolicy decides what the supervisor does when a child exits.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
)

// ChildSpec describes one supervised OS process.
type ChildSpec struct {
	Name    string
	Command string
	Args    []string
	Env     []string

	Policy      RestartPolicy
	MaxRestarts int
	// Fatal children take the whole node down when they die: losing the
	// video source invalidates everything downstream.
	Fatal bool
}

type childExit struct {
	name string
	code int
	err  error
}

// child is one running instance of a ChildSpec.
type child struct {
	spec     ChildSpec
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode atomic.Int32
	restarts int
}

// start spawns the child in its own process group, pipes its combined
// output through the supervisor log tagged with the child's name, and
// reports its exit on the shared exits channel.
func startChild(spec ChildSpec, exits chan<- childExit, log zerolog.Logger) (*child, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &child{spec: spec, cmd: cmd, done: make(chan struct{})}

	childLog := log.With().Str("child", spec.Name).Logger()
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			childLog.Info().Msg(scanner.Text())
		}
	}()

	go func() {
		// Wait closes the pipe, so the log drain must finish first or
		// trailing output is lost.
		<-logDone
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		c.exitCode.Store(int32(code))
		close(c.done)
		exits <- childExit{name: spec.Name, code: code, err: err}
	}()

	return c, nil
}

func (c *child) pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *child) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.cmd != nil && c.cmd.Process != nil
	}
}

// stop terminates the child: graceful signal, bounded wait, then process
// group kill, then a direct pid kill. Returns false if the pid still
// answers after everything.
func (c *child) stop(grace time.Duration, log zerolog.Logger) bool {
	if !c.alive() {
		return true
	}
	pid := c.pid()
	log.Info().Str("child", c.spec.Name).Int("pid", pid).Msg("stopping child")

	terminateGracefully(c.cmd)
	select {
	case <-c.done:
		log.Info().Str("child", c.spec.Name).Msg("child stopped gracefully")
		return true
	case <-time.After(grace):
	}

	log.Warn().Str("child", c.spec.Name).Msg("force killing child")
	killProcessGroup(c.cmd)
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}

	if pidAlive(pid) {
		killPid(pid)
	}
	if pidAlive(pid) {
		log.Error().Str("child", c.spec.Name).Int("pid", pid).Msg("child still running after cleanup")
		return false
	}
	log.Info().Str("child", c.spec.Name).Int("pid", pid).Msg("child stopped")
	return true
}
