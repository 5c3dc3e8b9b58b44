// Package config parses and validates the five invocation parameters the
// mirror process needs (origin, mirror, interval, maxsize, and the optional
// buffermultiplier), plus the ambient CLI surface: an optional YAML overlay
// file and logging flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var (
	ErrOriginMissing     = errors.New("config: --origin is required")
	ErrMirrorMissing     = errors.New("config: --mirror is required")
	ErrOriginNotDir      = errors.New("config: --origin must be an existing directory")
	ErrMirrorNotDir      = errors.New("config: --mirror must be an existing directory")
	ErrIntervalInvalid   = errors.New("config: --interval must be a positive number of milliseconds")
	ErrMaxSizeInvalid    = errors.New("config: --maxsize must be a positive number of bytes")
	ErrBufferInvalid     = errors.New("config: --buffermultiplier must be a positive number of kibibytes")
	ErrConfigFileMissing = errors.New("config: --config yaml file does not exist")
	ErrConfigFileInvalid = errors.New("config: --config yaml file is malformed")
	ErrLogLevelInvalid   = errors.New("config: --log-level has a not recognized value")
)

const defaultBufferKiB = 4

// Options holds every parsed and validated setting for one run.
type Options struct {
	Origin           string `yaml:"origin"`
	Mirror           string `yaml:"mirror"`
	IntervalMillis   int    `yaml:"interval"`
	MaxFileSizeBytes int64  `yaml:"maxsize"`
	BufferKiB        int    `yaml:"buffermultiplier"`
	LogLevel         string `yaml:"log-level"`
	JSON             bool   `yaml:"json"`
}

// Parse parses cliArgs (as passed to main, including argv[0]) into Options,
// overlaying an optional --config YAML file underneath any flags the caller
// set explicitly, and validates the result. fsys is used both to read the
// YAML file and to verify the origin/mirror roots exist and are
// directories, so tests can drive this entirely against an in-memory
// filesystem.
func Parse(cliArgs []string, fsys afero.Fs, stderr io.Writer) (*Options, error) {
	var (
		opts     Options
		yamlPath string
		yamlOpts Options
	)

	flags := flag.NewFlagSet("dirmirror", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s --origin=ABSPATH --mirror=ABSPATH --interval=MS --maxsize=BYTES [flags]\n\n", cliArgs[0])
		flags.PrintDefaults()
	}

	flags.StringVar(&opts.Origin, "origin", "", "absolute path to the source directory; never written to")
	flags.StringVar(&opts.Mirror, "mirror", "", "absolute path to the destination directory; kept equal to origin")
	flags.IntVar(&opts.IntervalMillis, "interval", 0, "tick period in milliseconds; always needed")
	flags.Int64Var(&opts.MaxFileSizeBytes, "maxsize", 0, "maximum file size in bytes; larger files are skipped")
	flags.IntVar(&opts.BufferKiB, "buffermultiplier", 0, "copy buffer size in kilobytes")
	flags.StringVar(&yamlPath, "config", "", "path to a yaml configuration file overlaying any unset flags")
	flags.StringVar(&opts.LogLevel, "log-level", "", "log verbosity: debug, info, warn, error")
	flags.BoolVar(&opts.JSON, "json", false, "emit logs in JSON instead of colorized text")

	if err := flags.Parse(cliArgs[1:]); err != nil {
		return nil, fmt.Errorf("config: failed to parse flags: %w", err)
	}

	setFlags := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if yamlPath != "" {
		f, err := fsys.Open(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigFileMissing, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)

		if err := dec.Decode(&yamlOpts); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigFileInvalid, err)
		}
	}

	if !setFlags["origin"] && yamlOpts.Origin != "" {
		opts.Origin = yamlOpts.Origin
	}
	if !setFlags["mirror"] && yamlOpts.Mirror != "" {
		opts.Mirror = yamlOpts.Mirror
	}
	if !setFlags["interval"] && yamlOpts.IntervalMillis != 0 {
		opts.IntervalMillis = yamlOpts.IntervalMillis
	}
	if !setFlags["maxsize"] && yamlOpts.MaxFileSizeBytes != 0 {
		opts.MaxFileSizeBytes = yamlOpts.MaxFileSizeBytes
	}
	if !setFlags["buffermultiplier"] && yamlOpts.BufferKiB != 0 {
		opts.BufferKiB = yamlOpts.BufferKiB
	}
	if !setFlags["log-level"] && yamlOpts.LogLevel != "" {
		opts.LogLevel = yamlOpts.LogLevel
	}
	if !setFlags["json"] && yamlOpts.JSON {
		opts.JSON = yamlOpts.JSON
	}

	if opts.BufferKiB == 0 {
		opts.BufferKiB = defaultBufferKiB
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "info"
	}

	opts.Origin = filepath.Clean(strings.TrimSpace(opts.Origin))
	opts.Mirror = filepath.Clean(strings.TrimSpace(opts.Mirror))

	if err := validate(&opts, fsys); err != nil {
		flags.Usage()

		return nil, err
	}

	return &opts, nil
}

func validate(opts *Options, fsys afero.Fs) error {
	if opts.Origin == "" || opts.Origin == "." {
		return ErrOriginMissing
	}
	if opts.Mirror == "" || opts.Mirror == "." {
		return ErrMirrorMissing
	}

	if info, err := fsys.Stat(opts.Origin); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %q", ErrOriginNotDir, opts.Origin)
	}
	if info, err := fsys.Stat(opts.Mirror); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %q", ErrMirrorNotDir, opts.Mirror)
	}

	if opts.IntervalMillis <= 0 {
		return ErrIntervalInvalid
	}
	if opts.MaxFileSizeBytes <= 0 {
		return ErrMaxSizeInvalid
	}
	if opts.BufferKiB <= 0 {
		return ErrBufferInvalid
	}

	if _, err := ParseLogLevel(opts.LogLevel); err != nil {
		return fmt.Errorf("%w: %q", err, opts.LogLevel)
	}

	return nil
}

// ParseLogLevel maps the --log-level string onto a slog.Level.
func ParseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, ErrLogLevelInvalid
	}
}

// LogHandler builds the slog.Handler matching Options.JSON/LogLevel: a
// colorized tint handler for interactive use, or a plain JSON handler for
// programmatic consumption of stderr.
func (o *Options) LogHandler(stderr io.Writer) slog.Handler {
	level, _ := ParseLogLevel(o.LogLevel)

	if o.JSON {
		return slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})
	}

	return tint.NewHandler(stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

// Interval returns the configured tick period as a time.Duration.
func (o *Options) Interval() time.Duration {
	return time.Duration(o.IntervalMillis) * time.Millisecond
}
