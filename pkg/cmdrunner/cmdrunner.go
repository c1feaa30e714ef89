package cmdrunner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Output is the captured result of a command that ran to completion (with any exit code)
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner is an interface for executing external commands.
// Run returns an error only if the command could not be started or was killed
// because the context expired (the error is then the context error).
// A non-zero exit code is not an error, it is reported in Output.ExitCode.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Output, error)
}

// prependableRunner is an implementation of Runner.
// It gives the option for all commands that are run to be prepended by another command
// and arguments, e.g. `nice -n 19` or `nsenter -t 1 -m --`.
type prependableRunner struct {
	prependCmd  string
	prependArgs []string
}

// New returns a Runner executing commands as given
func New() Runner {
	return &prependableRunner{}
}

// NewPrepended returns a Runner that prepends prependCmd and prependArgs to every command
func NewPrepended(prependCmd string, prependArgs ...string) Runner {
	return &prependableRunner{
		prependCmd:  prependCmd,
		prependArgs: prependArgs,
	}
}

// Command creates an exec.Cmd object. If prependCmd is defined, the command will be prependCmd
// and the args will be prependArgs + cmd + args.
func (c *prependableRunner) Command(ctx context.Context, cmd string, args ...string) *exec.Cmd {
	realCmd := cmd
	realArgs := args
	if c.prependCmd != "" {
		realCmd = c.prependCmd
		realArgs = append([]string{}, c.prependArgs...)
		realArgs = append(realArgs, cmd)
		realArgs = append(realArgs, args...)
	}
	return exec.CommandContext(ctx, realCmd, realArgs...)
}

// Run runs the command and captures stdout and stderr separately
func (c *prependableRunner) Run(ctx context.Context, name string, args ...string) (*Output, error) {
	var stdout, stderr bytes.Buffer
	cmd := c.Command(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, err
	}
	return out, nil
}
