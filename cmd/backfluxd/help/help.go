package help

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Command displays help for command-line sub-commands.
type Command struct {
	Stdout io.Writer
}

// NewCommand returns a new instance of Command.
func NewCommand() *Command {
	return &Command{
		Stdout: os.Stdout,
	}
}

// Run executes the command.
func (cmd *Command) Run(args ...string) error {
	fmt.Fprintln(cmd.Stdout, strings.TrimSpace(usage))
	return nil
}

const usage = `
Configure and start the BackFlux replication daemon.

Usage:

	backfluxd [[command] [arguments]]

The commands are:

    config               display the default daemon configuration
    run                  run the orchestrator, one worker per job file
    worker               run a single job from one YAML document
    version              displays the BackFlux version

"run" is the default command.

Use "backfluxd help [command]" for more information about a command.
`
