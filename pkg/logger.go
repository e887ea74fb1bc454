package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

// Log formats understood by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

var (
	global   *Logger
	globalMu sync.RWMutex

	// zerolog keeps these as package globals; set them once
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with the node's output configuration.
// Child loggers created with WithFields share the parent's writers.
type Logger struct {
	*zerolog.Logger
	config  *Config
	fields  Fields
	closers []io.Closer
	mu      sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic)
	Level string `mapstructure:"level" json:"level"`

	// Format is the output format (json, console)
	Format string `mapstructure:"format" json:"format"`

	// TimestampFormat for logs
	TimestampFormat string `mapstructure:"timestamp_format" json:"timestamp_format"`

	Console  ConsoleConfig  `mapstructure:"console" json:"console"`
	File     FileConfig     `mapstructure:"file" json:"file"`
	Sampling SamplingConfig `mapstructure:"sampling" json:"sampling"`

	// Fields are default fields added to all logs
	Fields Fields `mapstructure:"fields" json:"fields"`

	// EnableCaller adds caller information to logs
	EnableCaller         bool `mapstructure:"enable_caller" json:"enable_caller"`
	CallerSkipFrameCount int  `mapstructure:"caller_skip_frame_count" json:"caller_skip_frame_count"`

	// AsyncWrite puts a diode between the logger and its writers
	AsyncWrite bool `mapstructure:"async_write" json:"async_write"`
	BufferSize int  `mapstructure:"buffer_size" json:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `mapstructure:"enable" json:"enable"`
	NoColor    bool   `mapstructure:"no_color" json:"no_color"`
	TimeFormat string `mapstructure:"time_format" json:"time_format"`
	// Output target (stdout, stderr)
	Output string `mapstructure:"output" json:"output"`
}

// FileConfig for rotating file output
type FileConfig struct {
	Enable     bool   `mapstructure:"enable" json:"enable"`
	Path       string `mapstructure:"path" json:"path"`
	MaxSize    int    `mapstructure:"max_size" json:"max_size"` // megabytes
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`   // days
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	LocalTime  bool   `mapstructure:"local_time" json:"local_time"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// SamplingConfig keeps one in every N messages
type SamplingConfig struct {
	Enable bool   `mapstructure:"enable" json:"enable"`
	N      uint32 `mapstructure:"n" json:"n"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          FormatJSON,
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stderr",
		},
		File: FileConfig{
			Path:       "chordht.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			LocalTime:  true,
			Compress:   true,
		},
		Sampling: SamplingConfig{
			N: 100,
		},
		Fields:               make(Fields),
		EnableCaller:         false,
		CallerSkipFrameCount: 2,
		BufferSize:           10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	if config.Format != "" && config.Format != FormatJSON && config.Format != FormatConsole {
		return nil, fmt.Errorf("unsupported log format %q", config.Format)
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)

	if config.Console.Enable {
		var out io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			out = os.Stderr
		}
		if config.Format == FormatConsole {
			out = zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			}
		}
		writers = append(writers, out)
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file output enabled without a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  config.File.LocalTime,
			Compress:   config.File.Compress,
		}
		writers = append(writers, rotating)
		closers = append(closers, rotating)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		// hide Close from the diode so it never closes stdout or stderr
		d := diode.NewWriter(struct{ io.Writer }{writer}, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		writer = d
		// the diode must be flushed before the files underneath are closed
		closers = append([]io.Closer{d}, closers...)
	}

	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
		zctx = zctx.Caller()
	}

	fields := make(Fields, len(config.Fields))
	for k, v := range config.Fields {
		fields[k] = v
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	if config.Sampling.Enable && config.Sampling.N > 1 {
		zl = zl.Sample(&zerolog.BasicSampler{N: config.Sampling.N})
	}

	return &Logger{
		Logger:  &zl,
		config:  config,
		fields:  fields,
		closers: closers,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, config: DefaultConfig(), fields: make(Fields)}
}

// SetGlobal sets the global logger instance
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Get returns the global logger instance, creating a default one on first use.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global, _ = New(DefaultConfig())
	}
	return global
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	base := l.Logger
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	l.mu.RUnlock()

	zctx := base.With()
	for k, v := range fields {
		merged[k] = v
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
	}
}

// WithError creates a child logger carrying err and its dynamic type
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Fields returns a copy of the fields attached to this logger.
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	updated := l.Logger.Level(lvl)
	l.Logger = &updated
	l.config.Level = level
	return nil
}

// Close flushes the async writer and closes rotated files. Only the root
// logger returned by New owns writers; closing a child is a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
