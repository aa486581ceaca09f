package commandtest

import (
	"io"
	"os"
	"sync"

	"github.com/telemetria/backflux/command"
)

type CommanderTest struct {
	sync.Mutex
	NewCommandHook func(c *CommandTest)
	Commands       []*CommandTest
}

func (c *CommanderTest) NewCommand(ci command.CommandInfo) command.Command {
	cmd := &CommandTest{
		Info: ci,
	}
	if c.NewCommandHook != nil {
		c.NewCommandHook(cmd)
	}
	c.Lock()
	c.Commands = append(c.Commands, cmd)
	c.Unlock()
	return cmd
}

type CommandTest struct {
	sync.Mutex
	Info command.CommandInfo

	StartFunc func() error
	WaitFunc  func() error

	Started   bool
	Waited    bool
	Killed    bool
	Signalled []os.Signal

	StdinValue  io.Reader
	StdoutValue io.Writer
	StderrValue io.Writer
}

func (c *CommandTest) Start() error {
	c.Lock()
	defer c.Unlock()
	c.Started = true
	if c.StartFunc != nil {
		return c.StartFunc()
	}
	return nil
}

func (c *CommandTest) Wait() error {
	c.Lock()
	c.Waited = true
	fn := c.WaitFunc
	c.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (c *CommandTest) Stdin(in io.Reader) {
	c.Lock()
	c.StdinValue = in
	c.Unlock()
}

func (c *CommandTest) Stdout(out io.Writer) {
	c.Lock()
	c.StdoutValue = out
	c.Unlock()
}

func (c *CommandTest) Stderr(err io.Writer) {
	c.Lock()
	c.StderrValue = err
	c.Unlock()
}

func (c *CommandTest) Signal(sig os.Signal) error {
	c.Lock()
	c.Signalled = append(c.Signalled, sig)
	c.Unlock()
	return nil
}

func (c *CommandTest) Kill() {
	c.Lock()
	c.Killed = true
	c.Unlock()
}

// ExitError reports a fake exit code through the same interface
// os/exec's ExitError implements.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string { return "exit status error" }
func (e ExitError) ExitCode() int { return e.Code }
