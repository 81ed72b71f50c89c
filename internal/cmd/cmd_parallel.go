// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gwatts/dynbackup/dynbackup"
	"github.com/gwatts/dynbackup/internal/config"
	cli "github.com/jawher/mow.cli"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// weighConcurrency bounds the DescribeTable calls made while weighing tables.
const weighConcurrency = 8

func workersOpt(cmd *cli.Cmd) *int {
	return cmd.Int(cli.IntOpt{
		Name:   "n workers",
		Value:  0,
		Desc:   "Number of worker processes; defaults to the configured count, or one per logical CPU",
		EnvVar: "WORKERS",
	})
}

// workerCount resolves the number of worker processes to run.
func workerCount(flag int, cfg *config.Config) (int, error) {
	switch {
	case flag < 0 || flag > maxConcurrency:
		return 0, &dynbackup.ConfigError{Msg: fmt.Sprintf("workers must be between 1 and %d", maxConcurrency)}
	case flag > 0:
		return flag, nil
	case cfg.Workers > 0:
		return cfg.Workers, nil
	}
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1, nil
	}
	return n, nil
}

// workerEnv clears environment defaults that would conflict with the
// options given to worker processes.
var workerEnv = []string{"TABLE_PREFIX=", "TABLES_FILE=", "NO_PROGRESS="}

// parallelAction is embedded by the commands that split their tables across
// worker processes.
type parallelAction struct {
	common  *commonOpts
	workers int
	result  dynbackup.RunResult

	workersFlag *int
}

func (pa *parallelAction) setCommonOpts(o *commonOpts) {
	pa.common = o
}

func (pa *parallelAction) initWorkers(env *runEnv) (err error) {
	pa.workers, err = workerCount(*pa.workersFlag, env.cfg)
	return err
}

// orchestrate runs a worker for each partition.  args returns the command
// specific arguments for a worker; the common options are added to them.
func (pa *parallelAction) orchestrate(ctx context.Context, env *runEnv, partitions []dynbackup.Partition, args func(manifest string) []string) (int, error) {
	o := &dynbackup.Orchestrator{
		Args: func(p dynbackup.Partition, manifest string) []string {
			return args(manifest)
		},
		Env:         workerEnv,
		ManifestDir: env.cfg.ManifestDir,
		Stdout:      env.stdout,
		Stderr:      env.stderr,
		Logger:      env.logger,
	}
	res, err := o.Run(ctx, partitions)
	if err != nil {
		return exitFailure, err
	}
	pa.result = res
	fmt.Fprintf(env.stdout, "All processes finished with code %d\n", res.ExitCode)
	return res.ExitCode, nil
}

// workerArgs assembles a worker command line: the subcommand, its options,
// the inherited common options and finally the positional arguments.
func (pa *parallelAction) workerArgs(command string, opts []string, positional ...string) []string {
	args := append([]string{command}, opts...)
	if pa.common != nil {
		args = append(args, pa.common.workerArgs()...)
	}
	return append(args, positional...)
}

func (pa *parallelAction) printFinalStats(w io.Writer, elapsed time.Duration) {
	failed := 0
	for _, wr := range pa.result.Workers {
		if wr.Failed() {
			failed++
		}
	}
	fmt.Fprintf(w, "Workers: %d, failed: %d\n", len(pa.result.Workers), failed)
	fmt.Fprintf(w, "Took %d seconds\n", int(elapsed.Seconds()))
}

func logPlan(logger *zap.Logger, partitions []dynbackup.Partition) {
	for _, p := range partitions {
		logger.Info("Partition",
			zap.Int("worker", p.Index),
			zap.Strings("tables", dynbackup.Tables(p.Tables)))
	}
}

func registerParallelBackupCommand(app *cli.Cli, st *appState) {
	app.Command("parallel-backup", "Back up DynamoDB tables using several worker processes", func(cmd *cli.Cmd) {
		cmd.Spec = "[--workers] [--prefix | --tables-file] REGION S3URL [RATE]"
		action := &parallelBackupAction{
			region: cmd.StringArg("REGION", "", "AWS region holding the tables"),
			s3URL:  cmd.StringArg("S3URL", "", `S3 location to back up to (eg. "s3://my-bucket/backups")`),
			rate: cmd.StringArg("RATE", "",
				"Maximum items per second for tables without a rate; unlimited if absent or non-numeric"),
			tables: addTableSourceOpts(cmd, "Only back up tables whose names start with this prefix"),
		}
		action.workersFlag = workersOpt(cmd)
		cmd.Action = actionRunner(cmd, st, "parallel-backup", action)
	})
}

type parallelBackupAction struct {
	parallelAction

	rps dynbackup.Rate
	aws *awsServices

	// options
	region *string
	s3URL  *string
	rate   *string
	tables tableSourceOpts
}

func (pb *parallelBackupAction) init(env *runEnv) (err error) {
	if _, err = parseS3URL(*pb.s3URL); err != nil {
		return err
	}
	pb.rps = dynbackup.ParseRate(*pb.rate)
	if err := pb.rps.Validate(); err != nil {
		return &dynbackup.ConfigError{Msg: fmt.Sprintf("invalid rate %q", *pb.rate), Err: err}
	}
	if err := pb.tables.source().Validate(); err != nil {
		return err
	}
	if err := pb.initWorkers(env); err != nil {
		return err
	}
	pb.aws, err = env.initAWS(*pb.region, env.awsRetries(env.cfg.AWS.MaxRetries))
	return err
}

func (pb *parallelBackupAction) start(ctx context.Context, env *runEnv) (int, error) {
	entries, err := dynbackup.Enumerate(ctx, pb.tables.source(), dynbackup.DynamoCatalog(pb.aws.dyn))
	if err != nil {
		return exitFailure, err
	}
	partitions := pb.partition(ctx, pb.aws.dyn, entries, env.logger)
	logPlan(env.logger, partitions)

	return pb.orchestrate(ctx, env, partitions, pb.args)
}

// partition weighs the tables and splits them between workers.  Capacity
// based rates written to the manifests never exceed the operator's rate.
func (pb *parallelBackupAction) partition(ctx context.Context, dyn dynbackup.DynDescriber, entries []dynbackup.ManifestEntry, logger *zap.Logger) []dynbackup.Partition {
	weighted := dynbackup.Weigh(ctx, dyn, entries, dynbackup.DirectionRead, pb.rps, weighConcurrency, logger)
	return dynbackup.PartitionTables(weighted, pb.workers)
}

func (pb *parallelBackupAction) args(manifest string) []string {
	positional := []string{*pb.region, *pb.s3URL}
	if !pb.rps.IsUnlimited() {
		positional = append(positional, pb.rps.String())
	}
	return pb.workerArgs("backup", []string{"--tables-file=" + manifest}, positional...)
}

func registerParallelRestoreCommand(app *cli.Cli, st *appState) {
	app.Command("parallel-restore", "Restore DynamoDB tables using several worker processes", func(cmd *cli.Cmd) {
		cmd.Spec = "[--workers] [--force] [--write-rate] [--snapshot] [--prefix | --tables-file] REGION S3SRC"
		action := &parallelRestoreAction{
			region: cmd.StringArg("REGION", "", "AWS region holding the tables to restore to"),
			s3URL:  cmd.StringArg("S3SRC", "", `S3 location holding the backup (eg. "s3://my-bucket/backups")`),
			tables: addTableSourceOpts(cmd, "Only restore tables whose names start with this prefix"),
			snapshot: cmd.String(cli.StringOpt{
				Name:   "s snapshot",
				Value:  "",
				Desc:   "Restore the snapshots stored under this tag instead of the backup objects",
				EnvVar: "SNAPSHOT_TAG",
			}),
			writeRate: cmd.String(cli.StringOpt{
				Name:   "w write-rate",
				Value:  "",
				Desc:   `Items per second to write to each table, or "unlimited"; defaults to half the table's write capacity`,
				EnvVar: "WRITE_RATE",
			}),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Set to true to disable the restore prompt",
				EnvVar: "NO_RESTORE_PROMPT",
			}),
		}
		action.workersFlag = workersOpt(cmd)
		cmd.Action = actionRunner(cmd, st, "parallel-restore", action)
	})
}

type parallelRestoreAction struct {
	parallelAction

	src s3Location
	tag string
	aws *awsServices

	// options
	region    *string
	s3URL     *string
	tables    tableSourceOpts
	snapshot  *string
	writeRate *string
	force     *bool
}

func (pr *parallelRestoreAction) init(env *runEnv) (err error) {
	if pr.src, err = parseS3URL(*pr.s3URL); err != nil {
		return err
	}
	if _, err = parseWriteRate(*pr.writeRate); err != nil {
		return err
	}
	if err := pr.tables.source().Validate(); err != nil {
		return err
	}
	pr.tag = strings.Trim(*pr.snapshot, "/")
	if pr.tag != "" && strings.TrimSpace(*pr.tables.prefix) != "" {
		return &dynbackup.ConfigError{Msg: "--prefix cannot be combined with --snapshot", Err: dynbackup.ErrConflictingSources}
	}
	if err := pr.initWorkers(env); err != nil {
		return err
	}
	pr.aws, err = env.initAWS(*pr.region, env.awsRetries(env.cfg.AWS.MaxRetries))
	return err
}

// entries lists the tables to restore.  In snapshot mode every entry is
// named "tag/table".
func (pr *parallelRestoreAction) entries(ctx context.Context) ([]dynbackup.ManifestEntry, error) {
	if pr.tag == "" {
		return dynbackup.Enumerate(ctx, pr.tables.source(), folderCatalog(pr.aws.s3, pr.src))
	}
	if strings.TrimSpace(*pr.tables.tablesFile) == "" {
		return dynbackup.Enumerate(ctx, dynbackup.TableSource{Prefix: pr.tag}, snapshotCatalog(pr.aws.s3, pr.src))
	}
	entries, err := dynbackup.Enumerate(ctx, pr.tables.source(), nil)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Table = dynbackup.SnapshotKey(pr.tag, entries[i].Table)
	}
	return entries, nil
}

func (pr *parallelRestoreAction) start(ctx context.Context, env *runEnv) (int, error) {
	entries, err := pr.entries(ctx)
	if err != nil {
		return exitFailure, err
	}

	fmt.Fprintf(env.stdout, "Restore %d tables from %s to region %s using %d workers\n\n",
		len(entries), pr.src, *pr.region, pr.workers)
	if err := confirm(*pr.force, "restore", "Are you sure you wish to overwrite the above tables"); err != nil {
		return exitFailure, err
	}

	partitions := dynbackup.PartitionTables(dynbackup.Unweighted(entries), pr.workers)
	logPlan(env.logger, partitions)
	return pr.orchestrate(ctx, env, partitions, pr.args)
}

func (pr *parallelRestoreAction) args(manifest string) []string {
	opts := []string{"--force", "--tables-file=" + manifest}
	if pr.tag != "" {
		opts = append(opts, "--snapshot")
	}
	if *pr.writeRate != "" {
		opts = append(opts, "--write-rate="+*pr.writeRate)
	}
	return pr.workerArgs("restore", opts, *pr.s3URL, *pr.region)
}

func registerParallelSnapshotCommand(app *cli.Cli, st *appState) {
	app.Command("parallel-snapshot", "Snapshot table backups using several worker processes", func(cmd *cli.Cmd) {
		cmd.Spec = "[--workers] [--region] [--tag] [--copy-rate] [--prefix | --tables-file] S3SRC S3DST"
		action := &parallelSnapshotAction{
			srcURL: cmd.StringArg("S3SRC", "", `S3 location holding the backups (eg. "s3://my-bucket/backups")`),
			dstURL: cmd.StringArg("S3DST", "", `S3 location to write snapshots to (eg. "s3://my-bucket/snapshots")`),
			tables: addTableSourceOpts(cmd, "Only snapshot tables whose names start with this prefix"),
			region: regionOpt(cmd),
			tag:    tagOpt(cmd, "Snapshot tag; defaults to today's date (yyyymmdd, UTC)"),
			copyRate: cmd.Float64(cli.Float64Opt{
				Name:   "copy-rate",
				Value:  0,
				Desc:   "Maximum backup objects to copy per second in each worker (0 for no limit)",
				EnvVar: "COPY_RATE",
			}),
		}
		action.workersFlag = workersOpt(cmd)
		cmd.Action = actionRunner(cmd, st, "parallel-snapshot", action)
	})
}

type parallelSnapshotAction struct {
	parallelAction

	src        s3Location
	snapTag    string
	regionName string
	aws        *awsServices

	// options
	srcURL   *string
	dstURL   *string
	tables   tableSourceOpts
	region   *string
	tag      *string
	copyRate *float64
}

func (ps *parallelSnapshotAction) init(env *runEnv) (err error) {
	if ps.src, err = parseS3URL(*ps.srcURL); err != nil {
		return err
	}
	if _, err = parseS3URL(*ps.dstURL); err != nil {
		return err
	}
	if err := ps.tables.source().Validate(); err != nil {
		return err
	}
	if *ps.copyRate < 0 {
		return &dynbackup.ConfigError{Msg: "copy-rate must not be negative"}
	}
	if err := ps.initWorkers(env); err != nil {
		return err
	}
	// every worker must use the same tag, even if the run crosses midnight
	ps.snapTag = strings.Trim(*ps.tag, "/")
	if ps.snapTag == "" {
		ps.snapTag = dynbackup.DefaultTag(time.Now())
	}
	ps.regionName = *ps.region
	if ps.regionName == "" {
		ps.regionName = env.cfg.AWS.Region
	}
	ps.aws, err = env.initAWS(ps.regionName, env.awsRetries(env.cfg.AWS.MaxRetries))
	return err
}

func (ps *parallelSnapshotAction) start(ctx context.Context, env *runEnv) (int, error) {
	entries, err := dynbackup.Enumerate(ctx, ps.tables.source(), folderCatalog(ps.aws.s3, ps.src))
	if err != nil {
		return exitFailure, err
	}
	partitions := dynbackup.PartitionTables(dynbackup.Unweighted(entries), ps.workers)
	logPlan(env.logger, partitions)
	return ps.orchestrate(ctx, env, partitions, ps.args)
}

func (ps *parallelSnapshotAction) args(manifest string) []string {
	opts := []string{
		"--tables-file=" + manifest,
		"--tag=" + ps.snapTag,
		"--region=" + ps.regionName,
	}
	if *ps.copyRate > 0 {
		opts = append(opts, "--copy-rate="+strconv.FormatFloat(*ps.copyRate, 'f', -1, 64))
	}
	return ps.workerArgs("snapshot", opts, *ps.srcURL, *ps.dstURL)
}
