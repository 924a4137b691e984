// Package sandbox runs untrusted commands under one of three isolation
// levels: none (direct exec), process (cleaned environment, resource caps),
// or container (Docker with no network and dropped capabilities).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Level selects the isolation strength for a command.
type Level string

const (
	// LevelNone runs the command directly with the caller's environment.
	LevelNone Level = "none"

	// LevelProcess runs the command as a child process with a minimal
	// environment, a working-directory jail, and output caps.
	LevelProcess Level = "process"

	// LevelContainer runs the command in a locked-down Docker container.
	LevelContainer Level = "container"
)

// ErrLevelUnavailable is returned when the requested isolation level cannot
// be provided and fallback was not explicitly enabled.
var ErrLevelUnavailable = errors.New("sandbox: isolation level unavailable")

// Request describes one command execution.
type Request struct {
	Command   []string          `json:"command"`
	Stdin     string            `json:"stdin,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
	OutputCap int               `json:"output_cap,omitempty"`
	Level     Level             `json:"level,omitempty"`
}

// Result is the outcome of a sandboxed execution. Stdout and Stderr are
// byte-capped; Truncated reports whether either stream hit the cap.
type Result struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
	Level     Level         `json:"level"`
}

// Config holds executor defaults. All fields have working zero-value
// substitutes applied by NewExecutor.
type Config struct {
	DefaultLevel   Level
	DefaultTimeout time.Duration
	OutputCap      int
	TermGrace      time.Duration

	DockerImage string
	CPUMillis   int
	MemoryMB    int
	PidsLimit   int

	// AllowFallback permits degrading container requests to process level
	// when Docker is unavailable. Off by default: unavailable means refuse.
	AllowFallback bool

	probe func(ctx context.Context) error
}

// Option is a functional option for configuring the executor.
type Option func(*Config)

// WithDefaultLevel sets the isolation level used when a request does not
// specify one.
func WithDefaultLevel(level Level) Option {
	return func(c *Config) { c.DefaultLevel = level }
}

// WithDefaultTimeout sets the execution timeout applied when a request does
// not carry its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultTimeout = d }
}

// WithOutputCap sets the per-stream byte cap.
func WithOutputCap(n int) Option {
	return func(c *Config) { c.OutputCap = n }
}

// WithDockerImage sets the container image.
func WithDockerImage(image string) Option {
	return func(c *Config) { c.DockerImage = image }
}

// WithResourceLimits sets container CPU (millicores), memory (MB), and
// process-count limits.
func WithResourceLimits(cpuMillis, memoryMB, pids int) Option {
	return func(c *Config) {
		c.CPUMillis = cpuMillis
		c.MemoryMB = memoryMB
		c.PidsLimit = pids
	}
}

// WithAllowFallback permits container requests to degrade to process level
// when Docker is unavailable.
func WithAllowFallback(allow bool) Option {
	return func(c *Config) { c.AllowFallback = allow }
}

// WithProbe substitutes the Docker availability probe. Used by tests.
func WithProbe(probe func(ctx context.Context) error) Option {
	return func(c *Config) { c.probe = probe }
}

// Executor dispatches requests to the configured isolation backends.
type Executor struct {
	cfg             Config
	containerReady  bool
	containerReason string
	logger          *slog.Logger
}

// NewExecutor builds an executor and probes Docker once at startup. If the
// default level is container and Docker is missing, construction fails
// unless fallback was enabled.
func NewExecutor(opts ...Option) (*Executor, error) {
	cfg := Config{
		DefaultLevel:   LevelProcess,
		DefaultTimeout: 30 * time.Second,
		OutputCap:      256 * 1024,
		TermGrace:      5 * time.Second,
		DockerImage:    "alpine:3.20",
		CPUMillis:      1000,
		MemoryMB:       512,
		PidsLimit:      100,
		probe:          dockerProbe,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Executor{
		cfg:    cfg,
		logger: slog.Default().With("component", "sandbox"),
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cfg.probe(probeCtx); err != nil {
		e.containerReason = err.Error()
		if cfg.DefaultLevel == LevelContainer && !cfg.AllowFallback {
			return nil, fmt.Errorf("%w: docker probe failed: %v", ErrLevelUnavailable, err)
		}
		e.logger.Warn("container backend unavailable", "error", err)
	} else {
		e.containerReady = true
	}

	return e, nil
}

// ContainerAvailable reports whether the container backend passed its probe.
func (e *Executor) ContainerAvailable() bool { return e.containerReady }

// Execute runs a request at its requested (or the default) isolation level.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("sandbox: empty command")
	}

	level := req.Level
	if level == "" {
		level = e.cfg.DefaultLevel
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	outputCap := req.OutputCap
	if outputCap <= 0 {
		outputCap = e.cfg.OutputCap
	}

	if level == LevelContainer && !e.containerReady {
		if !e.cfg.AllowFallback {
			return nil, fmt.Errorf("%w: %s", ErrLevelUnavailable, e.containerReason)
		}
		e.logger.Warn("degrading container request to process level",
			"reason", e.containerReason)
		level = LevelProcess
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		res *Result
		err error
	)
	switch level {
	case LevelNone:
		res, err = e.runDirect(execCtx, req, outputCap)
	case LevelProcess:
		res, err = e.runProcess(execCtx, req, outputCap)
	case LevelContainer:
		res, err = e.runContainer(execCtx, req, outputCap)
	default:
		return nil, fmt.Errorf("sandbox: unknown level %q", level)
	}
	if err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	res.Level = level
	if execCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
	}
	return res, nil
}

func (e *Executor) runDirect(ctx context.Context, req Request, outputCap int) (*Result, error) {
	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	return e.runCmd(ctx, cmd, req.Stdin, outputCap)
}

func (e *Executor) runProcess(ctx context.Context, req Request, outputCap int) (*Result, error) {
	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = cleanEnv(req.Dir, req.Env)
	return e.runCmd(ctx, cmd, req.Stdin, outputCap)
}

func (e *Executor) runContainer(ctx context.Context, req Request, outputCap int) (*Result, error) {
	args := []string{
		"run", "--rm",
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", "nobody",
		"--cpus", fmt.Sprintf("%.2f", float64(e.cfg.CPUMillis)/1000.0),
		"--memory", fmt.Sprintf("%dm", e.cfg.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", e.cfg.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", e.cfg.PidsLimit),
	}
	if req.Dir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/workspace:rw", req.Dir), "-w", "/workspace")
	}
	for k, v := range req.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if req.Stdin != "" {
		args = append(args, "-i")
	}
	args = append(args, e.cfg.DockerImage)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	return e.runCmd(ctx, cmd, req.Stdin, outputCap)
}

// runCmd starts the command with capped output buffers and a terminate
// ladder: SIGTERM on cancellation, SIGKILL after the grace period.
func (e *Executor) runCmd(ctx context.Context, cmd *exec.Cmd, stdin string, outputCap int) (*Result, error) {
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdout := newCapWriter(outputCap)
	stderr := newCapWriter(outputCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.TermGrace

	err := cmd.Run()
	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			res.ExitCode = -1
		default:
			return nil, err
		}
	}
	return res, nil
}

// cleanEnv builds the minimal environment for process-level isolation. The
// parent's environment never leaks into the child.
func cleanEnv(dir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
	if dir != "" {
		env = append(env, "HOME="+dir, "PWD="+dir, "TMPDIR="+dir)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func dockerProbe(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker not found: %w", err)
	}
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}
