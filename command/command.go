package command

import (
	stderrors "errors"
	"io"
	"os"
	"os/exec"
)

// Command is one child process.
type Command interface {
	Start() error
	Wait() error

	Stdin(io.Reader)
	Stdout(io.Writer)
	Stderr(io.Writer)

	// Signal delivers sig to the running process.
	Signal(sig os.Signal) error
	Kill()
}

// Commander creates commands.
type Commander interface {
	NewCommand(CommandInfo) Command
}

// Necessary information to create a new command.
type CommandInfo struct {
	Prog string
	Args []string
	Env  []string
}

// ExecCommander creates real processes with os/exec.
var ExecCommander Commander = execCommander{}

type execCommander struct{}

func (execCommander) NewCommand(ci CommandInfo) Command {
	cmd := exec.Command(ci.Prog, ci.Args...)
	cmd.Env = ci.Env
	return &execCmd{Cmd: cmd}
}

type execCmd struct {
	*exec.Cmd
}

func (c *execCmd) Stdin(in io.Reader)   { c.Cmd.Stdin = in }
func (c *execCmd) Stdout(out io.Writer) { c.Cmd.Stdout = out }
func (c *execCmd) Stderr(err io.Writer) { c.Cmd.Stderr = err }

func (c *execCmd) Signal(sig os.Signal) error {
	if c.Process == nil {
		return stderrors.New("process not started")
	}
	return c.Process.Signal(sig)
}

func (c *execCmd) Kill() {
	if c.Process != nil {
		c.Process.Kill()
	}
}

// ExitStatus extracts the exit code from a Wait error. It reports false
// when the process did not exit on its own, for example after a kill.
func ExitStatus(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var coder interface{ ExitCode() int }
	if stderrors.As(err, &coder) {
		if code := coder.ExitCode(); code >= 0 {
			return code, true
		}
	}
	return 0, false
}
