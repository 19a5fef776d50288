// Package pm2 implements the supervisor.Supervisor interface by driving
// the pm2 command-line client.  Every call is a separate pm2 invocation
// talking to the pm2 daemon, which pm2 starts on demand.
package pm2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"

	"github.com/terrpan/garm-provider-pm2/internal/metadata"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
)

// Config holds pm2-specific settings.
type Config struct {
	// Binary is the pm2 executable.  Default: "pm2" (looked up on PATH).
	Binary string
}

// Runner executes a command and returns its standard output.  env nil
// means inherit the current environment.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.  Standard error is folded into the returned
// error on failure.
func (ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// Supervisor manages runners as pm2 processes.
type Supervisor struct {
	binary string
	runner Runner
	logger *slog.Logger
}

// Compile-time check that Supervisor satisfies supervisor.Supervisor.
var _ supervisor.Supervisor = (*Supervisor)(nil)

// New creates a pm2 supervisor using os/exec.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	return newSupervisor(cfg, ExecRunner{}, logger)
}

func newSupervisor(cfg Config, runner Runner, logger *slog.Logger) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = "pm2"
	}
	return &Supervisor{
		binary: cfg.Binary,
		runner: runner,
		logger: logger,
	}
}

// Connect pings the pm2 daemon, starting it if needed.
func (s *Supervisor) Connect(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, nil, s.binary, "ping"); err != nil {
		return fmt.Errorf("pm2 ping: %w", err)
	}
	return nil
}

// jlistEntry is the subset of `pm2 jlist` output we read.
type jlistEntry struct {
	Name   string `json:"name"`
	PM2Env struct {
		Status string         `json:"status"`
		Env    map[string]any `json:"env"`
	} `json:"pm2_env"`
}

// List returns every pm2 process with its status and launch env.
func (s *Supervisor) List(ctx context.Context) ([]supervisor.Process, error) {
	out, err := s.runner.Run(ctx, nil, s.binary, "jlist")
	if err != nil {
		return nil, fmt.Errorf("pm2 jlist: %w", err)
	}

	entries, err := parseJList(out)
	if err != nil {
		return nil, err
	}

	procs := make([]supervisor.Process, 0, len(entries))
	for _, e := range entries {
		env := metadata.NewEnv()
		for _, k := range sortedKeys(e.PM2Env.Env) {
			env.Set(k, envString(e.PM2Env.Env[k]))
		}
		procs = append(procs, supervisor.Process{
			Name:   e.Name,
			Status: e.PM2Env.Status,
			Env:    env,
		})
	}
	return procs, nil
}

// parseJList decodes `pm2 jlist` output.  pm2 may print notices (e.g.
// about an out-of-date daemon) before the JSON array.
func parseJList(out []byte) ([]jlistEntry, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	if i := bytes.IndexByte(out, '['); i > 0 {
		out = out[i:]
	}
	var entries []jlistEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("parsing pm2 jlist output: %w", err)
	}
	return entries, nil
}

// Launch starts spec.Script under pm2.  pm2 hands the environment of
// the invoking client to the new process, so the launch env is passed
// as the client's environment.
func (s *Supervisor) Launch(ctx context.Context, spec supervisor.LaunchSpec) error {
	args := []string{"start", spec.Script, "--name", spec.Name}
	if spec.Interpreter != "" {
		args = append(args, "--interpreter", spec.Interpreter)
	}
	if spec.Dir != "" {
		args = append(args, "--cwd", spec.Dir)
	}
	if !spec.AutoRestart {
		args = append(args, "--no-autorestart")
	}

	s.logger.Info("starting pm2 process",
		slog.String("name", spec.Name),
		slog.String("script", spec.Script),
		slog.String("cwd", spec.Dir),
	)

	if _, err := s.runner.Run(ctx, spec.Env.Environ(), s.binary, args...); err != nil {
		return fmt.Errorf("pm2 start %s: %w", spec.Name, err)
	}
	return nil
}

// Restart restarts a pm2 process.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	return s.simple(ctx, "restart", name)
}

// Stop stops a pm2 process.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	return s.simple(ctx, "stop", name)
}

// Delete removes a process from pm2's process list.
func (s *Supervisor) Delete(ctx context.Context, name string) error {
	return s.simple(ctx, "delete", name)
}

// Close is a no-op: the pm2 client holds no connection between calls.
func (s *Supervisor) Close() error { return nil }

func (s *Supervisor) simple(ctx context.Context, verb, name string) error {
	s.logger.Debug("pm2 "+verb, slog.String("name", name))
	if _, err := s.runner.Run(ctx, nil, s.binary, verb, name); err != nil {
		return fmt.Errorf("pm2 %s %s: %w", verb, name, err)
	}
	return nil
}

func envString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		buf, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(buf)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
