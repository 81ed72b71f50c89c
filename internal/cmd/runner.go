// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/gwatts/dynbackup/dynbackup"
	"github.com/gwatts/dynbackup/internal/config"
	cli "github.com/jawher/mow.cli"
	"go.uber.org/zap"
)

type action interface {
	// init validates the command's arguments.  It must not perform any
	// network I/O so that usage errors are reported before anything is
	// touched.
	init(env *runEnv) error
	start(ctx context.Context, env *runEnv) (status int, err error)
	printFinalStats(w io.Writer, elapsed time.Duration)
}

// progressReporter is implemented by actions that can report progress while
// they run.  Such actions get a progress bar, periodic log entries and
// prometheus metrics.
type progressReporter interface {
	progress() progress
}

// runEnv is passed to every action.
type runEnv struct {
	cfg        *config.Config
	logger     *zap.Logger
	termWriter io.Writer // status output; discarded with --silent
	stdout     io.Writer
	stderr     io.Writer
	maxRetries int // -1 to use the configured value
}

// awsRetries returns the retry limit for AWS calls, def being the
// configured default for the action.
func (env *runEnv) awsRetries(def int) int {
	if env.maxRetries >= 0 {
		return env.maxRetries
	}
	return def
}

func (env *runEnv) initAWS(region string, maxRetries int) (*awsServices, error) {
	return initAWS(awsOptions{
		Region:      region,
		Endpoint:    env.cfg.AWS.Endpoint,
		MaxRetries:  maxRetries,
		HTTPTimeout: env.cfg.AWS.HTTPTimeout,
	})
}

type commonOpts struct {
	silent     *bool
	noProgress *bool
	logTarget  *string
	logLevel   *string
	maxRetries *int
	configFile *string
}

// workerArgs returns the common options a worker process should inherit.
// Workers never draw their own progress bars, and only log to stdout as
// their output is relayed by the parent.
func (o *commonOpts) workerArgs() []string {
	args := []string{"--no-progress"}
	if *o.silent {
		args = append(args, "--silent")
	}
	if *o.logTarget == "-" {
		args = append(args, "--log=-")
	}
	if *o.logLevel != "" {
		args = append(args, "--log-level="+*o.logLevel)
	}
	if *o.maxRetries >= 0 {
		args = append(args, fmt.Sprintf("--max-retries=%d", *o.maxRetries))
	}
	if *o.configFile != "" {
		args = append(args, "--config="+*o.configFile)
	}
	return args
}

// actionRunner handles running an action which may take a while to complete
// providing progress bars and signal handling.
func actionRunner(cmd *cli.Cmd, st *appState, name string, action action) func() {
	cmd.Spec = "[--silent] [--no-progress] [--log] [--log-level] [--max-retries] [--config] " + cmd.Spec
	opts := &commonOpts{
		silent: cmd.Bool(cli.BoolOpt{
			Name:   "silent",
			Value:  false,
			Desc:   "Set to true to disable all non-error and non-log output",
			EnvVar: "SILENT",
		}),
		noProgress: cmd.Bool(cli.BoolOpt{
			Name:   "no-progress",
			Value:  false,
			Desc:   "Set to true to disable the progress bar",
			EnvVar: "NO_PROGRESS",
		}),
		logTarget: cmd.String(cli.StringOpt{
			Name:   "log",
			Value:  "",
			Desc:   "Set to a filename or --log=- for stdout; defaults to no log output",
			EnvVar: "LOG_TARGET",
		}),
		logLevel: cmd.String(cli.StringOpt{
			Name:   "log-level",
			Value:  "",
			Desc:   "Log level (debug, info, warn, error); defaults to the configured level",
			EnvVar: "LOG_LEVEL",
		}),
		maxRetries: cmd.Int(cli.IntOpt{
			Name:      "max-retries",
			Value:     -1,
			Desc:      "Maximum number of retry attempts to make with AWS services before failing; defaults to the configured value",
			EnvVar:    "AWS_MAX_RETRIES",
			HideValue: true,
		}),
		configFile: cmd.String(cli.StringOpt{
			Name:   "config",
			Value:  "",
			Desc:   "YAML configuration file",
			EnvVar: "DYNBACKUP_CONFIG",
		}),
	}
	if w, ok := action.(interface{ setCommonOpts(*commonOpts) }); ok {
		w.setCommonOpts(opts)
	}

	return func() {
		st.status = runAction(cmd, st, name, opts, action)
	}
}

func runAction(cmd *cli.Cmd, st *appState, name string, opts *commonOpts, action action) int {
	cfg, err := config.Load(*opts.configFile)
	if err != nil {
		fmt.Fprintf(st.stderr, "Error: %v\n", err)
		return exitFailure
	}

	logger, err := newLogger(*opts.logTarget, *opts.logLevel, cfg.Logging)
	if err != nil {
		fmt.Fprintf(st.stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer logger.Sync()
	logger = logger.With(zap.String("command", name))

	var termWriter io.Writer = st.stderr
	if *opts.silent {
		termWriter = io.Discard
	}

	env := &runEnv{
		cfg:        cfg,
		logger:     logger,
		termWriter: termWriter,
		stdout:     st.stdout,
		stderr:     st.stderr,
		maxRetries: *opts.maxRetries,
	}

	if err := action.init(env); err != nil {
		fmt.Fprintf(st.stderr, "Error: %v\n", err)
		var cerr *dynbackup.ConfigError
		if errors.As(err, &cerr) {
			cmd.PrintHelp()
		}
		logger.Error("Initialization failed", zap.Error(err))
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reporter, _ := action.(progressReporter)
	var progressTicker, logTicker <-chan time.Time
	if reporter != nil {
		if addr := cfg.Metrics.Addr; addr != "" {
			stopMetrics := startMetrics(addr, cfg.Metrics.Path, newProgressCollector(name, reporter.progress), logger)
			defer stopMetrics()
		}
		if !*opts.silent && !*opts.noProgress {
			t := time.NewTicker(statsFrequency)
			defer t.Stop()
			progressTicker = t.C
		}
		if *opts.logTarget != "" {
			t := time.NewTicker(logFrequency)
			defer t.Stop()
			logTicker = t.C
		}
	}

	type result struct {
		status int
		err    error
	}
	done := make(chan result, 1)
	startTime := time.Now()
	go func() {
		status, err := action.start(ctx, env)
		done <- result{status, err}
	}()

	var bar *pb.ProgressBar
	finishBar := func() {
		if bar != nil {
			bar.Finish()
			bar = nil
		}
	}

	for {
		select {
		case <-progressTicker:
			bar = updateBar(bar, reporter.progress(), st.stderr)

		case <-logTicker:
			logProgress(logger, reporter.progress(), time.Since(startTime))

		case <-ctx.Done():
			finishBar()
			fmt.Fprintf(termWriter, "\nAborting..")
			logger.Warn("Aborting")
			<-done
			fmt.Fprintf(termWriter, "Aborted.\n")
			return exitFailure

		case res := <-done:
			finishBar()
			status := res.status
			if res.err != nil {
				fmt.Fprintf(st.stderr, "Processing failed: %v\n", res.err)
				logger.Error("Processing failed", zap.Error(res.err))
				if status == exitOK {
					status = exitFailure
				}
			}
			if reporter != nil {
				logProgress(logger, reporter.progress(), time.Since(startTime))
			}
			action.printFinalStats(termWriter, time.Since(startTime))
			return status
		}
	}
}

// updateBar draws the table progress bar, creating it once the number of
// tables is known.
func updateBar(bar *pb.ProgressBar, p progress, w io.Writer) *pb.ProgressBar {
	if bar == nil {
		if p.TablesTotal == 0 {
			return nil
		}
		bar = pb.New(p.TablesTotal)
		bar.Output = w
		bar.ManualUpdate = true
		bar.SetMaxWidth(78)
		bar.Start()
	}
	bar.Prefix(fmt.Sprintf("%d items ", p.Items))
	bar.Set(p.TablesDone)
	bar.Update()
	return bar
}

func logProgress(logger *zap.Logger, p progress, elapsed time.Duration) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	logger.Info("Progress",
		zap.Int("tables_total", p.TablesTotal),
		zap.Int("tables_done", p.TablesDone),
		zap.Int("tables_failed", p.TablesFailed),
		zap.Int64("items", p.Items),
		zap.Int64("bytes", p.Bytes),
		zap.Float64("avg_items_sec", float64(p.Items)/secs),
		zap.Float64("avg_capacity_sec", p.Capacity/secs))
}

// printTableStats prints the final stats of a tracker based action.
func printTableStats(w io.Writer, verb string, p progress, elapsed time.Duration) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	fmt.Fprintf(w, "Avg items/sec: %.2f\n", float64(p.Items)/secs)
	fmt.Fprintf(w, "Avg capacity/sec: %.2f\n", p.Capacity/secs)
	fmt.Fprintf(w, "Total items %s: %d (%s)\n", verb, p.Items, fmtBytes(p.Bytes))
	fmt.Fprintf(w, "Tables completed: %d of %d, %d failed\n", p.TablesDone, p.TablesTotal, p.TablesFailed)
}
