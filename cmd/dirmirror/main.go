/*
dirmirror keeps a target directory ("mirror") byte-for-byte synchronized
with a source directory ("origin") as a long-running process that re-scans
on a fixed interval.

On every tick it refreshes an in-memory snapshot of the origin tree,
computes what was added, changed, or deleted since the last tick, and
drives the minimum set of copy and delete operations needed to restore
equality on the target side. A second pass re-indexes the target and
compares it against the origin snapshot, repairing any divergence caused by
external changes or a previously failed operation. The origin snapshot is
persisted to disk between runs so a restart does not need to re-copy an
already-synchronized tree.

# USAGE

	dirmirror --origin=ABSPATH --mirror=ABSPATH --interval=MS --maxsize=BYTES [flags]

# ARGUMENTS

	--origin string
		Required. Absolute path to the source directory. Must already exist
		and be a directory. Never written to.

	--mirror string
		Required. Absolute path to the destination directory. Must already
		exist and be a directory. Overwritten to match origin.

	--interval int
		Required. Tick period in milliseconds.

	--maxsize int
		Required. Maximum file size in bytes; files above this are skipped.

	--buffermultiplier int
		Optional. Copy buffer size in kilobytes. Default: 4.

	--config string
		Optional. Path to a YAML configuration file. Any flag given
		explicitly on the command line overrides the same key in this file.

	--log-level [debug|info|warn|error]
		Optional. Controls verbosity of the operational logs. Default: info.

	--json
		Optional. Outputs logs in JSON instead of colorized text, to stderr.

# RETURN CODES

  - 0: normal shutdown (signal-driven; the process otherwise runs forever)
  - 1: configuration error at startup
  - 2: security-gate abort (a root directory became unreachable mid-tick),
    or a signal-driven shutdown that did not finish within 10 seconds

# DESIGN

dirmirror assumes both the origin and mirror roots are themselves static
mount points rather than something that disappears and reappears under
normal operation. If a root becomes unreachable mid-tick, dirmirror refuses
to perform any further destructive operation and exits immediately, rather
than risk wiping the mirror because its source vanished, or hammering a
target that is no longer there. Every other per-file failure (permission
denied, a file vanishing mid-copy) is logged and the tick continues;
because every tick re-diffs the tree from scratch, a transient failure is
retried automatically on the next tick.
*/
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/arkforge/dirmirror/internal/config"
	"github.com/arkforge/dirmirror/internal/fileservice"
	"github.com/arkforge/dirmirror/internal/mirror"
	"github.com/arkforge/dirmirror/internal/scheduler"
)

const (
	exitCodeSuccess       = 0
	exitCodeConfigFailure = 1
	exitCodeSecurityAbort = 2

	exitTimeout = 10 * time.Second
)

// app holds everything built from configuration, before the scheduler loop
// starts. Splitting construction from the context-aware run loop (rather
// than doing both inside main) lets tests drive the scheduler loop under a
// controllable context without going through os.Signal.
type app struct {
	sched  *scheduler.Scheduler
	log    *slog.Logger
	stdout io.Writer
}

func newApp(args []string, fsys afero.Fs, stdout, stderr io.Writer) (*app, error) {
	opts, err := config.Parse(args, fsys, stderr)
	if err != nil {
		return nil, fmt.Errorf("fatal: failed to parse configuration: %w", err)
	}

	log := slog.New(opts.LogHandler(stderr))

	m, err := mirror.New(fsys, fileservice.New(fsys), mirror.Config{
		OriginPath:  opts.Origin,
		TargetPath:  opts.Mirror,
		BufferKiB:   opts.BufferKiB,
		MaxFileSize: opts.MaxFileSizeBytes,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("fatal: failed to construct mirror: %w", err)
	}

	fmt.Fprintf(stdout, "dirmirror: watching %q -> %q every %s\n", opts.Origin, opts.Mirror, opts.Interval())

	return &app{
		sched:  scheduler.New(m, opts.Interval(), log, scheduler.WithInitialCheck()),
		log:    log,
		stdout: stdout,
	}, nil
}

// run blocks until ctx is canceled or the scheduler reports a fatal
// (security-gate) error, returning the corresponding exit code.
func (a *app) run(ctx context.Context) int {
	if err := a.sched.Run(ctx); err != nil {
		a.log.Error("security gate aborted the process", "error", err, "error-type", "fatal")

		return exitCodeSecurityAbort
	}

	return exitCodeSuccess
}

func main() {
	os.Exit(run(os.Args, afero.NewOsFs(), os.Stdout, os.Stderr))
}

func run(args []string, fsys afero.Fs, stdout, stderr io.Writer) int {
	a, err := newApp(args, fsys, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)

		return exitCodeConfigFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	doneChan := make(chan int, 1)

	go func() {
		doneChan <- a.run(ctx)
	}()

	select {
	case code := <-doneChan:
		return code

	case <-sigChan:
		a.log.Warn("received interrupt signal; shutting down (waiting up to 10s)...")
		cancel()

		select {
		case code := <-doneChan:
			return code

		case <-time.After(exitTimeout):
			a.log.Error("timed out while waiting for shutdown; killing...", "error-type", "fatal")

			return exitCodeSecurityAbort
		}
	}
}
