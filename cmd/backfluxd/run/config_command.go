package run

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// PrintConfigCommand represents the command executed by "backfluxd config".
type PrintConfigCommand struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewPrintConfigCommand return a new instance of PrintConfigCommand.
func NewPrintConfigCommand() *PrintConfigCommand {
	return &PrintConfigCommand{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run prints the default daemon configuration.
func (cmd *PrintConfigCommand) Run(args ...string) error {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprintln(cmd.Stderr, printConfigUsage) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	config := NewConfig()
	if err := toml.NewEncoder(cmd.Stdout).Encode(config); err != nil {
		return err
	}
	fmt.Fprint(cmd.Stdout, "\n")

	return nil
}

var printConfigUsage = `usage: config

	config displays the default daemon configuration
`
