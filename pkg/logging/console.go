// Package logging provides the router's console logging sink.
//
// Every component logs through a *slog.Logger obtained from Console.Logger,
// tagged with the component's name. Records are queued and written by the
// Console's own loop so a slow terminal never stalls ingestion or a sink
// worker. With formatting enabled each source gets its own colour and an
// aligned prefix.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	flushInterval = 10 * time.Millisecond
	prefixWidth   = 20
)

// Options configures a Console.
type Options struct {
	// Format enables coloured, aligned output.
	Format bool
	Level  slog.Level
	Stdout io.Writer
	Stderr io.Writer
}

type entry struct {
	source string
	level  slog.Level
	msg    string
	attrs  []slog.Attr
}

// Console is the asynchronous log writer shared by all components.
type Console struct {
	opts Options

	mu      sync.Mutex
	queue   []entry
	stopped bool
	notify  chan struct{}

	colorMu   sync.Mutex
	colors    map[string]*color.Color
	available []color.Attribute
}

// NewConsole creates a console. Records are buffered until Run is started.
func NewConsole(opts Options) *Console {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Console{
		opts:   opts,
		notify: make(chan struct{}, 1),
		colors: make(map[string]*color.Color),
	}
}

// Name identifies the console as a component.
func (c *Console) Name() string { return "ConsoleLogger" }

// Logger returns a logger whose records carry source as their origin.
func (c *Console) Logger(source string) *slog.Logger {
	return slog.New(&handler{console: c, source: source})
}

// StdLogger returns a standard library logger, for client libraries that
// take one, whose lines reach the console under source at level.
func (c *Console) StdLogger(source string, level slog.Level) *log.Logger {
	return log.New(&stdWriter{console: c, source: source, level: level}, "", 0)
}

// Run writes queued records until ctx is done, then flushes whatever is
// still queued. Records logged after Run returns are written synchronously.
func (c *Console) Run(ctx context.Context) error {
	self := c.Logger(c.Name())
	self.Debug("Starting processing loop")

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			self.Debug("Quitting processing loop")
			c.mu.Lock()
			pending := c.queue
			c.queue = nil
			c.stopped = true
			for _, e := range pending {
				c.write(e)
			}
			c.mu.Unlock()
			return nil
		case <-c.notify:
		case <-ticker.C:
		}
		c.flush()
	}
}

func (c *Console) enqueue(e entry) {
	c.mu.Lock()
	if c.stopped {
		c.write(e)
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, e)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Console) flush() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, e := range pending {
		c.write(e)
	}
}

func (c *Console) write(e entry) {
	var levelColor *color.Color
	out := c.opts.Stdout
	switch {
	case e.level >= slog.LevelError:
		out = c.opts.Stderr
		levelColor = color.New(color.FgRed)
	case e.level >= slog.LevelWarn:
		out = c.opts.Stderr
		levelColor = color.New(color.FgYellow)
	case e.level < slog.LevelInfo:
		levelColor = color.New(color.FgHiMagenta)
	}

	text := e.msg + renderAttrs(e.attrs)
	var line string
	if c.opts.Format {
		if levelColor != nil {
			levelColor.EnableColor()
			text = levelColor.Sprint(text)
		}
		line = c.sourceColor(e.source).Sprint(fmt.Sprintf("%-*s |", prefixWidth, e.source)) + " " + text
	} else {
		line = e.source + " - " + text
	}
	fmt.Fprintln(out, line)
}

func (c *Console) sourceColor(source string) *color.Color {
	c.colorMu.Lock()
	defer c.colorMu.Unlock()

	if col, ok := c.colors[source]; ok {
		return col
	}
	if len(c.available) == 0 {
		c.available = append([]color.Attribute(nil), palette...)
		rand.Shuffle(len(c.available), func(i, j int) {
			c.available[i], c.available[j] = c.available[j], c.available[i]
		})
	}
	col := color.New(c.available[0])
	col.EnableColor()
	c.available = c.available[1:]
	c.colors[source] = col
	return col
}

// palette excludes yellow, red, black and white, which are reserved for
// levels or unreadable on common terminals.
var palette = []color.Attribute{
	color.FgGreen, color.FgBlue, color.FgMagenta, color.FgCyan,
	color.FgHiGreen, color.FgHiBlue, color.FgHiCyan, color.FgHiBlack,
}

func renderAttrs(attrs []slog.Attr) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, a := range attrs {
		if a.Equal(slog.Attr{}) {
			continue
		}
		val := a.Value.Resolve().String()
		if strings.ContainsAny(val, " \t\"=") {
			val = fmt.Sprintf("%q", val)
		}
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(val)
	}
	return b.String()
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo for invalid values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type stdWriter struct {
	console *Console
	source  string
	level   slog.Level
}

func (w *stdWriter) Write(p []byte) (int, error) {
	w.console.enqueue(entry{
		source: w.source,
		level:  w.level,
		msg:    strings.TrimRight(string(p), "\n"),
	})
	return len(p), nil
}
