package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"

	"github.com/influxdata/wlog"
)

// ParseLevel converts a level name to a wlog level. WARNING and CRITICAL
// are accepted as aliases of wlog's WARN and ERROR so operator configs
// keep their familiar names.
func ParseLevel(name string) (wlog.Level, error) {
	switch strings.ToUpper(name) {
	case "WARNING":
		return wlog.WARN, nil
	case "CRITICAL":
		return wlog.ERROR, nil
	default:
		level, ok := wlog.StringToLevel[strings.ToUpper(name)]
		if !ok {
			return 0, fmt.Errorf("invalid log level %q", name)
		}
		return level, nil
	}
}

// Interface for creating new loggers.
type Interface interface {
	NewLogger(prefix string, flag int) *log.Logger
	NewRawLogger(prefix string, flag int) *log.Logger
	NewStaticLevelWriter(level wlog.Level) io.Writer
}

// Service manages the log sink. All loggers it hands out share one
// writer whose records are filtered by the process-wide wlog level.
type Service struct {
	f io.WriteCloser
	c Config

	stdout io.Writer
	stderr io.Writer
}

func NewService(c Config, stdout, stderr io.Writer) *Service {
	return &Service{
		c:      c,
		stdout: stdout,
		stderr: stderr,
	}
}

func (s *Service) Open() error {
	switch s.c.File {
	case "STDERR":
		s.f = &nopCloser{f: s.stderr}
	case "STDOUT":
		s.f = &nopCloser{f: s.stdout}
	default:
		dir := path.Dir(s.c.File)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			err := os.MkdirAll(dir, 0755)
			if err != nil {
				return err
			}
		}

		f, err := os.OpenFile(s.c.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return err
		}
		s.f = f
	}

	// Configure default logger
	log.SetPrefix("[log] ")
	log.SetFlags(log.LstdFlags)
	log.SetOutput(wlog.NewWriter(s.f))

	level, err := ParseLevel(s.c.Level)
	if err != nil {
		return err
	}
	wlog.SetLevel(level)
	return nil
}

func (s *Service) Close() error {
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

func (s *Service) NewLogger(prefix string, flag int) *log.Logger {
	return wlog.New(s.f, prefix, flag)
}

func (s *Service) NewRawLogger(prefix string, flag int) *log.Logger {
	return log.New(s.f, prefix, flag)
}

func (s *Service) NewStaticLevelWriter(level wlog.Level) io.Writer {
	return wlog.NewStaticLevelWriter(s.f, level)
}

type nopCloser struct {
	f io.Writer
}

func (c *nopCloser) Write(b []byte) (int, error) { return c.f.Write(b) }
func (c *nopCloser) Close() error                { return nil }
