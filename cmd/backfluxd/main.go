package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/telemetria/backflux/cmd/backfluxd/help"
	"github.com/telemetria/backflux/cmd/backfluxd/run"
	"github.com/telemetria/backflux/cmd/backfluxd/worker"
)

// These variables are populated via the Go linker.
var (
	version string
	commit  string
	branch  string
)

func init() {
	// If commit or branch are not set, make that clear.
	if commit == "" {
		commit = "unknown"
	}
	if branch == "" {
		branch = "unknown"
	}
}

func main() {
	m := NewMain()
	status, err := m.Run(os.Args[1:]...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(status)
}

// Main represents the program execution.
type Main struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewMain return a new instance of Main.
func NewMain() *Main {
	return &Main{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run determines and runs the command specified by the CLI args. The
// returned status is the process exit code: 0 success, 1 fatal error,
// 2 partial.
func (m *Main) Run(args ...string) (int, error) {
	name, args := ParseCommandName(args)

	switch name {
	case "", "run":
		cmd := run.NewCommand()
		cmd.Version = version
		cmd.Commit = commit
		cmd.Branch = branch

		if err := cmd.Run(args...); err != nil {
			return 1, fmt.Errorf("run: %s", err)
		}

		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-cmd.Closed:
			return cmd.Status(), nil
		case <-signalCh:
		}

		// First signal: forward the shutdown to the workers and wait.
		go cmd.Close()
		select {
		case <-signalCh:
			return 1, fmt.Errorf("second signal received, aborting")
		case <-time.After(run.HardShutdownTimeout):
			return 1, fmt.Errorf("shutdown time limit reached, aborting")
		case <-cmd.Closed:
			return cmd.Status(), nil
		}

	case "worker":
		cmd := worker.NewCommand()
		return cmd.Run(args...)

	case "config":
		if err := run.NewPrintConfigCommand().Run(args...); err != nil {
			return 1, fmt.Errorf("config: %s", err)
		}
	case "version":
		if err := NewVersionCommand().Run(args...); err != nil {
			return 1, fmt.Errorf("version: %s", err)
		}
	case "help":
		if err := help.NewCommand().Run(args...); err != nil {
			return 1, fmt.Errorf("help: %s", err)
		}
	default:
		return 1, fmt.Errorf(`unknown command "%s"`+"\n"+`Run 'backfluxd help' for usage`+"\n\n", name)
	}

	return 0, nil
}

// ParseCommandName extracts the command name and args from the args list.
func ParseCommandName(args []string) (string, []string) {
	// Retrieve command name as first argument.
	var name string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name = args[0]
	}

	// Special case -h immediately following binary name
	if len(args) > 0 && args[0] == "-h" {
		name = "help"
	}

	// If command is "help" and has an argument then rewrite args to use "-h".
	if name == "help" && len(args) > 1 {
		args[0], args[1] = args[1], "-h"
		name = args[0]
	}

	// If a named command is specified then return it with its arguments.
	if name != "" {
		return name, args[1:]
	}
	return "", args
}

// VersionCommand represents the command executed by "backfluxd version".
type VersionCommand struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewVersionCommand return a new instance of VersionCommand.
func NewVersionCommand() *VersionCommand {
	return &VersionCommand{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run prints the current version and commit info.
func (cmd *VersionCommand) Run(args ...string) error {
	// Parse flags in case -h is specified.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprintln(cmd.Stderr, strings.TrimSpace(versionUsage)) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(cmd.Stdout, "BackFlux version %s (git: %s %s)\n", version, branch, commit)

	return nil
}

var versionUsage = `
usage: version

	version displays the BackFlux version, build branch and git commit hash
`
