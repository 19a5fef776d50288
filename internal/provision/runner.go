package provision

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/terrpan/garm-provider-pm2/internal/provider"
)

// Command is an external program run to completion.
type Command struct {
	Name string
	Args []string
	Env  []string
	Dir  string
}

// CommandRunner runs a Command and waits for it.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner runs commands with os/exec.  Both output streams of the
// child go to Output, which defaults to os.Stderr: standard output of
// the provider is reserved for the command result.
type ExecRunner struct {
	Output io.Writer
}

// Run implements CommandRunner.  A failed start or a non-zero exit is a
// KindExternalCommand error.
func (r ExecRunner) Run(ctx context.Context, c Command) error {
	out := r.Output
	if out == nil {
		out = os.Stderr
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return provider.NewError(provider.KindExternalCommand, err,
				"%s exited with code %d", c.Name, exitErr.ExitCode())
		}
		return provider.NewError(provider.KindExternalCommand, err, "running %s", c.Name)
	}
	return nil
}
