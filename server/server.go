// Package server implements the orchestrator: it discovers job files and
// runs one isolated worker process per job so a crash in one job cannot
// affect the others.
package server

import (
	"context"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/telemetria/backflux/command"
	"github.com/telemetria/backflux/config"
	"github.com/telemetria/backflux/services/logging"
)

// DefaultShutdownTimeout is how long workers get to finish their in-flight
// chunk after a shutdown signal before they are killed.
const DefaultShutdownTimeout = 30 * time.Second

// Server scans the job directory once and fans out one worker process per
// job file. It aggregates the worker exit codes into one status:
// 1 when any worker ended abnormally, else 2 when any worker was partial,
// else 0.
type Server struct {
	dir string

	prog     string
	baseArgs []string

	commander       command.Commander
	shutdownTimeout time.Duration

	stdout io.Writer
	stderr io.Writer
	logger *log.Logger
}

type Option func(*Server)

// WithCommander replaces the process spawner, for tests.
func WithCommander(c command.Commander) Option {
	return func(s *Server) { s.commander = c }
}

// WithWorkerProg sets the binary and leading arguments of worker
// commands. The default is the running executable.
func WithWorkerProg(prog string, args ...string) Option {
	return func(s *Server) {
		s.prog = prog
		s.baseArgs = args
	}
}

// WithShutdownTimeout bounds the wait for workers after a shutdown
// signal.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// WithOutput redirects the inherited worker stdio.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Server) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

func New(dir string, li logging.Interface, opts ...Option) *Server {
	s := &Server{
		dir:             dir,
		commander:       command.ExecCommander,
		shutdownTimeout: DefaultShutdownTimeout,
		stdout:          os.Stdout,
		stderr:          os.Stderr,
		logger:          li.NewLogger("[server] ", log.LstdFlags),
	}
	if prog, err := os.Executable(); err == nil {
		s.prog = prog
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JobFiles returns the job documents of the configured directory.
// Subdirectories and template files are skipped.
func (s *Server) JobFiles() ([]string, error) {
	files, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read config directory %q", s.dir)
	}

	var jobs []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if config.IsTemplate(name) {
			continue
		}
		switch filepath.Ext(name) {
		case ".yml", ".yaml":
			jobs = append(jobs, filepath.Join(s.dir, name))
		}
	}
	return jobs, nil
}

// Run spawns every worker, waits for all of them and returns the
// aggregated exit status. When ctx is cancelled the workers receive
// SIGTERM and get shutdownTimeout to stop before being killed.
func (s *Server) Run(ctx context.Context) (int, error) {
	jobs, err := s.JobFiles()
	if err != nil {
		return 1, err
	}
	if len(jobs) == 0 {
		return 1, errors.Errorf("no job files in %q", s.dir)
	}
	s.logger.Printf("I! starting %d workers from %s", len(jobs), s.dir)

	type result struct {
		job      string
		status   int
		abnormal bool
	}

	var wg sync.WaitGroup
	results := make(chan result, len(jobs))
	var mu sync.Mutex
	var running []command.Command

	for _, job := range jobs {
		args := append(append([]string{}, s.baseArgs...), "worker", "-config", job)
		cmd := s.commander.NewCommand(command.CommandInfo{
			Prog: s.prog,
			Args: args,
		})
		cmd.Stdout(s.stdout)
		cmd.Stderr(s.stderr)

		if err := cmd.Start(); err != nil {
			s.logger.Printf("E! worker for %s failed to start: %v", job, err)
			results <- result{job: job, abnormal: true}
			continue
		}
		mu.Lock()
		running = append(running, cmd)
		mu.Unlock()

		wg.Add(1)
		go func(job string, cmd command.Command) {
			defer wg.Done()
			status, clean := command.ExitStatus(cmd.Wait())
			results <- result{job: job, status: status, abnormal: !clean}
		}(job, cmd)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Print("I! shutdown requested, signalling workers")
		mu.Lock()
		for _, cmd := range running {
			if err := cmd.Signal(syscall.SIGTERM); err != nil {
				s.logger.Printf("D! signal worker: %v", err)
			}
		}
		mu.Unlock()

		select {
		case <-done:
		case <-time.After(s.shutdownTimeout):
			s.logger.Print("W! shutdown timeout reached, killing workers")
			mu.Lock()
			for _, cmd := range running {
				cmd.Kill()
			}
			mu.Unlock()
			<-done
		}
	}
	close(results)

	status := 0
	for r := range results {
		switch {
		case r.abnormal:
			s.logger.Printf("E! worker for %s ended abnormally", r.job)
			status = 1
		case r.status == 0:
			s.logger.Printf("I! worker for %s finished", r.job)
		case r.status == 2:
			s.logger.Printf("W! worker for %s finished partially", r.job)
			if status == 0 {
				status = 2
			}
		default:
			s.logger.Printf("E! worker for %s exited with status %d", r.job, r.status)
			status = 1
		}
	}
	return status, nil
}
