// Package logging is the levelled logger shared by every server component.
// Output goes to stdout with colored level tags, or to a directory of daily
// files; writes can be handed to a background goroutine through a bounded
// queue.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level is a log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelTags = [...]string{"[debug]", "[info] ", "[warn] ", "[error]"}

var levelColors = [...]*color.Color{
	color.New(color.FgCyan),
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgRed, color.Bold),
}

// ParseLevel maps a name or number to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "0":
		return LevelDebug, nil
	case "info", "1", "":
		return LevelInfo, nil
	case "warn", "warning", "2":
		return LevelWarn, nil
	case "error", "3":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return strings.TrimSpace(strings.Trim(levelTags[l], "[] "))
}

// Options configures a Logger
type Options struct {
	Level Level

	// Dir receives daily files named YYYY_MM_DD.log. Empty means stdout.
	Dir string

	// QueueSize > 0 enables asynchronous writes through a bounded queue
	QueueSize int

	// Output overrides the destination, mainly for tests
	Output io.Writer
}

// Logger is a levelled, optionally asynchronous logger
type Logger struct {
	level    Level
	colorize bool

	mu      sync.Mutex
	out     io.Writer
	file    *os.File
	dir     string
	day     string
	nowFunc func() time.Time

	queue   chan string
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a logger. A directory destination is created if missing.
func New(opts Options) (*Logger, error) {
	l := &Logger{
		level:   opts.Level,
		dir:     opts.Dir,
		nowFunc: time.Now,
	}

	switch {
	case opts.Output != nil:
		l.out = opts.Output
	case opts.Dir != "":
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create dir: %w", err)
		}
		if err := l.rotate(l.nowFunc()); err != nil {
			return nil, err
		}
	default:
		l.out = color.Output
		l.colorize = !color.NoColor
	}

	if opts.QueueSize > 0 {
		l.queue = make(chan string, opts.QueueSize)
		l.done = make(chan struct{})
		l.stopped = make(chan struct{})
		go l.drain()
	}
	return l, nil
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return &Logger{level: LevelError + 1, out: io.Discard, nowFunc: time.Now}
}

// Level returns the configured minimum level
func (l *Logger) Level() Level { return l.level }

// Enabled reports whether messages at lvl are written
func (l *Logger) Enabled(lvl Level) bool { return lvl >= l.level }

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(lvl Level, format string, args ...any) {
	if l == nil || !l.Enabled(lvl) {
		return
	}

	now := l.nowFunc()
	tag := levelTags[lvl]
	if l.colorize {
		tag = levelColors[lvl].Sprint(tag)
	}

	var sb strings.Builder
	sb.WriteString(now.Format("2006-01-02 15:04:05.000000"))
	sb.WriteByte(' ')
	sb.WriteString(tag)
	sb.WriteByte(' ')
	fmt.Fprintf(&sb, format, args...)
	sb.WriteByte('\n')
	line := sb.String()

	if l.queue != nil {
		select {
		case <-l.done:
		default:
			select {
			case l.queue <- line:
				return
			case <-l.done:
			}
		}
	}
	l.write(now, line)
}

func (l *Logger) drain() {
	defer close(l.stopped)
	for {
		select {
		case line := <-l.queue:
			l.write(l.nowFunc(), line)
		case <-l.done:
			for {
				select {
				case line := <-l.queue:
					l.write(l.nowFunc(), line)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(now time.Time, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dir != "" && now.Format("2006_01_02") != l.day {
		if err := l.rotate(now); err != nil {
			fmt.Fprintf(os.Stderr, "logging: rotate: %v\n", err)
		}
	}
	if l.out != nil {
		io.WriteString(l.out, line)
	}
}

// rotate opens the file for now's day. Caller holds l.mu or is constructing.
func (l *Logger) rotate(now time.Time) error {
	day := now.Format("2006_01_02")
	f, err := os.OpenFile(filepath.Join(l.dir, day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open file: %w", err)
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.out = f
	l.day = day
	return nil
}

// Flush blocks until queued lines are written and syncs a file destination
func (l *Logger) Flush() {
	if l.queue != nil {
		for len(l.queue) > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Sync()
	}
}

// Close flushes pending lines and releases the destination
func (l *Logger) Close() error {
	var err error
	l.once.Do(func() {
		if l.queue != nil {
			close(l.done)
			<-l.stopped
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.file != nil {
			l.file.Sync()
			err = l.file.Close()
			l.file = nil
			l.out = nil
		}
	})
	return err
}
