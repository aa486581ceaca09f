// Package worker implements "backfluxd worker": one replication job from
// one YAML document, run once or on a cron schedule. The orchestrator
// spawns one worker process per job so jobs stay isolated.
package worker

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/telemetria/backflux/backup"
	"github.com/telemetria/backflux/config"
	"github.com/telemetria/backflux/influxdb"
	"github.com/telemetria/backflux/scheduler"
	"github.com/telemetria/backflux/services/logging"
)

// Command represents the command executed by "backfluxd worker".
type Command struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	logService *logging.Service
}

// NewCommand return a new instance of Command.
func NewCommand() *Command {
	return &Command{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run executes one job and returns its exit status: 0 success, 1 fatal
// initialization error, 2 partial. In cron mode it runs until signalled
// and returns the worst status seen.
func (cmd *Command) Run(args ...string) (int, error) {
	options, err := cmd.ParseFlags(args...)
	if err != nil {
		return 1, err
	}
	if options.ConfigPath == "" {
		return 1, fmt.Errorf("worker requires -config <job.yaml>")
	}

	job, err := config.Load(options.ConfigPath)
	if err != nil {
		return 1, err
	}

	logConfig := logging.Config{File: job.Options.LogFile, Level: job.Options.LogLevel}
	if options.LogFile != "" {
		logConfig.File = options.LogFile
	}
	if options.LogLevel != "" {
		logConfig.Level = options.LogLevel
	}
	cmd.logService = logging.NewService(logConfig, cmd.Stdout, cmd.Stderr)
	if err := cmd.logService.Open(); err != nil {
		return 1, fmt.Errorf("init logging: %s", err)
	}
	defer cmd.logService.Close()
	logger := cmd.logService.NewLogger("[worker] ", log.LstdFlags)
	logger.Printf("I! job %s loaded", options.ConfigPath)

	source, err := influxdb.NewHTTPClient(influxdb.Config{
		URL:     job.Source.URL,
		Timeout: job.Options.Timeout(),
		Credentials: &influxdb.Credentials{
			Username: job.Source.User,
			Password: job.Source.Password,
		},
	})
	if err != nil {
		return 1, fmt.Errorf("source client: %s", err)
	}
	defer source.Close()

	dest, err := influxdb.NewHTTPClient(influxdb.Config{
		URL:     job.Destination.URL,
		Timeout: job.Options.Timeout(),
		Credentials: &influxdb.Credentials{
			Username: job.Destination.User,
			Password: job.Destination.Password,
		},
	})
	if err != nil {
		return 1, fmt.Errorf("destination client: %s", err)
	}
	defer dest.Close()

	sched, err := scheduler.New(job.Options.Incremental.Schedule, cmd.logService)
	if err != nil {
		return 1, err
	}

	manager := backup.NewManager(job, source, dest, cmd.logService)

	// The first signal stops cleanly after the in-flight chunk, the
	// second one takes the default action and kills the process.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Print("I! signal received, finishing in-flight chunk")
		cancel()
		signal.Stop(signalCh)
	}()

	worst := 0
	runJob := func(ctx context.Context) error {
		report, err := manager.Run(ctx)
		if err != nil {
			return err
		}
		if report.Status() == backup.StatusPartial {
			worst = 2
		}
		return nil
	}

	if err := sched.Run(ctx, runJob); err != nil {
		logger.Printf("E! job failed: %v", err)
		return 1, nil
	}
	return worst, nil
}

// ParseFlags parses the command line flags from args and returns an options set.
func (cmd *Command) ParseFlags(args ...string) (Options, error) {
	var options Options
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.StringVar(&options.ConfigPath, "config", "", "")
	fs.StringVar(&options.LogFile, "log-file", "", "")
	fs.StringVar(&options.LogLevel, "log-level", "", "")
	fs.Usage = func() { fmt.Fprintln(cmd.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return options, nil
}

var usage = `usage: worker -config <job.yaml> [flags]

worker runs a single replication job.

        -config <path>
                          Set the path to the job document. Required.

        -log-file <path>
                          Override the job's log file.

        -log-level <level>
                          Override the job's log level.
`

// Options represents the command line options that can be parsed.
type Options struct {
	ConfigPath string
	LogFile    string
	LogLevel   string
}
