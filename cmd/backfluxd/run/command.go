package run

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/telemetria/backflux/server"
	"github.com/telemetria/backflux/services/logging"
)

// HardShutdownTimeout is how long main waits for a clean shutdown after
// the first signal before giving up.
const HardShutdownTimeout = 60 * time.Second

// Command represents the command executed by "backfluxd run".
type Command struct {
	Version string
	Branch  string
	Commit  string

	// Closed is closed once every worker has finished.
	Closed chan struct{}

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Server     *server.Server
	Logger     *log.Logger
	logService *logging.Service

	cancel context.CancelFunc

	mu     sync.Mutex
	status int
}

// NewCommand return a new instance of Command.
func NewCommand() *Command {
	return &Command{
		Closed: make(chan struct{}),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run parses the config from args, starts the orchestrator and returns.
// The caller waits on Closed and reads Status.
func (cmd *Command) Run(args ...string) error {
	options, err := cmd.ParseFlags(args...)
	if err != nil {
		return err
	}

	config, err := cmd.ParseConfig(options.ConfigPath)
	if err != nil {
		return fmt.Errorf("parse config: %s", err)
	}

	// Job directory precedence: flag, environment, config file.
	if options.Dir != "" {
		config.ConfigDir = options.Dir
	} else if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		config.ConfigDir = dir
	}
	if options.LogFile != "" {
		config.Logging.File = options.LogFile
	}
	if options.LogLevel != "" {
		config.Logging.Level = options.LogLevel
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate config: %s", err)
	}

	cmd.logService = logging.NewService(config.Logging, cmd.Stdout, cmd.Stderr)
	if err := cmd.logService.Open(); err != nil {
		return fmt.Errorf("init logging: %s", err)
	}
	cmd.Logger = cmd.logService.NewLogger("[run] ", log.LstdFlags)
	cmd.Logger.Printf("I! BackFlux starting, version %s, branch %s, commit %s", cmd.Version, cmd.Branch, cmd.Commit)
	cmd.Logger.Printf("I! Go version %s", runtime.Version())

	cmd.Server = server.New(config.ConfigDir, cmd.logService,
		server.WithShutdownTimeout(time.Duration(config.ShutdownTimeout)),
		server.WithOutput(cmd.Stdout, cmd.Stderr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cmd.cancel = cancel

	go func() {
		defer close(cmd.Closed)
		status, err := cmd.Server.Run(ctx)
		if err != nil {
			cmd.Logger.Printf("E! %v", err)
		}
		cmd.mu.Lock()
		cmd.status = status
		cmd.mu.Unlock()
	}()

	return nil
}

// Status returns the aggregated exit status. Valid after Closed.
func (cmd *Command) Status() int {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.status
}

// Close signals the workers to stop and waits for them.
func (cmd *Command) Close() error {
	if cmd.cancel != nil {
		cmd.cancel()
	}
	<-cmd.Closed
	if cmd.logService != nil {
		return cmd.logService.Close()
	}
	return nil
}

// ParseFlags parses the command line flags from args and returns an options set.
func (cmd *Command) ParseFlags(args ...string) (Options, error) {
	var options Options
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.StringVar(&options.ConfigPath, "config", "", "")
	fs.StringVar(&options.Dir, "dir", "", "")
	fs.StringVar(&options.LogFile, "log-file", "", "")
	fs.StringVar(&options.LogLevel, "log-level", "", "")
	fs.Usage = func() { fmt.Fprintln(cmd.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return options, nil
}

// ParseConfig parses the config at path. Returns the default
// configuration if path is blank.
func (cmd *Command) ParseConfig(path string) (*Config, error) {
	config := NewConfig()
	if path == "" {
		return config, nil
	}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

var usage = `usage: run [flags]

run starts the BackFlux orchestrator: one worker process per job file.

        -config <path>
                          Set the path to the daemon configuration file.

        -dir <path>
                          Set the job configuration directory. Overrides
                          $CONFIG_DIR and the config-dir setting.

        -log-file <path>
                          Write logs to a file.

        -log-level <level>
                          Sets the log level. One of debug,info,warning,error.
`

// Options represents the command line options that can be parsed.
type Options struct {
	ConfigPath string
	Dir        string
	LogFile    string
	LogLevel   string
}
