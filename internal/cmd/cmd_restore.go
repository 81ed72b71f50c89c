// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gwatts/dynbackup/dynbackup"
	cli "github.com/jawher/mow.cli"
	"go.uber.org/zap"
)

func registerRestoreCommand(app *cli.Cli, st *appState) {
	app.Command("restore", "Restore DynamoDB tables from an S3 backup or snapshot", func(cmd *cli.Cmd) {
		cmd.Spec = "[--force] [-m] [--concurrency] [--write-rate] [--snapshot] [--prefix | --tables-file] S3SRC REGION"
		action := &restoreAction{
			s3URL:  cmd.StringArg("S3SRC", "", `S3 location holding the backup (eg. "s3://my-bucket/backups")`),
			region: cmd.StringArg("REGION", "", "AWS region holding the tables to restore to"),
			tables: addTableSourceOpts(cmd,
				"Only restore tables whose names start with this prefix; with --snapshot, the snapshot tag to restore"),
			snapshot: cmd.Bool(cli.BoolOpt{
				Name:   "s snapshot",
				Value:  false,
				Desc:   `Restore from snapshots; tables are named "tag/table"`,
				EnvVar: "FROM_SNAPSHOT",
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
			maxItems: cmd.Int(cli.IntOpt{
				Name:   "m maxitems",
				Value:  0,
				Desc:   "Maximum number of items to restore to each table.  Set to 0 to process all items",
				EnvVar: "MAXITEMS",
			}),
			concurrency: cmd.Int(cli.IntOpt{
				Name:   "concurrency",
				Value:  1,
				Desc:   "Number of tables to restore at the same time",
				EnvVar: "CONCURRENCY",
			}),
		}
		cmd.Action = actionRunner(cmd, st, "restore", action)
	})
}

type restoreAction struct {
	tableAction

	src  s3Location
	rate dynbackup.Rate
	aws  *awsServices

	// options
	s3URL       *string
	region      *string
	tables      tableSourceOpts
	snapshot    *bool
	writeRate   *string
	force       *bool
	maxItems    *int
	concurrency *int
}

// parseWriteRate parses a --write-rate value.  Empty means derive the rate
// from the table's capacity.
func parseWriteRate(s string) (dynbackup.Rate, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	r := dynbackup.ParseRate(s)
	if err := r.Validate(); err != nil {
		return 0, &dynbackup.ConfigError{Msg: fmt.Sprintf("invalid write rate %q", s), Err: err}
	}
	return r, nil
}

func (r *restoreAction) init(env *runEnv) (err error) {
	if r.src, err = parseS3URL(*r.s3URL); err != nil {
		return err
	}
	if r.rate, err = parseWriteRate(*r.writeRate); err != nil {
		return err
	}
	if err := r.tables.source().Validate(); err != nil {
		return err
	}
	if err := checkConcurrency(*r.concurrency); err != nil {
		return err
	}
	if *r.maxItems < 0 {
		return &dynbackup.ConfigError{Msg: "maxitems must not be negative"}
	}
	r.aws, err = env.initAWS(*r.region, env.awsRetries(env.cfg.AWS.MaxRetries))
	return err
}

func (r *restoreAction) catalog() dynbackup.Catalog {
	if *r.snapshot {
		return snapshotCatalog(r.aws.s3, r.src)
	}
	return folderCatalog(r.aws.s3, r.src)
}

func (r *restoreAction) start(ctx context.Context, env *runEnv) (int, error) {
	entries, err := dynbackup.Enumerate(ctx, r.tables.source(), r.catalog())
	if err != nil {
		return exitFailure, err
	}

	fmt.Fprintf(env.stdout, "Restore %d tables from %s to region %s: %s\n\n",
		len(entries), r.src, *r.region, strings.Join(dynbackup.Tables(entries), ", "))
	if err := confirm(*r.force, "restore", "Are you sure you wish to overwrite the above tables"); err != nil {
		return exitFailure, err
	}

	fmt.Fprintf(env.termWriter, "Beginning restore: region=%s tables=%d source=%s snapshot=%t concurrency=%d\n",
		*r.region, len(entries), r.src, *r.snapshot, *r.concurrency)
	env.logger.Info("Beginning restore",
		zap.String("region", *r.region),
		zap.Int("tables", len(entries)),
		zap.Stringer("source", r.src),
		zap.Bool("snapshot", *r.snapshot))

	return r.runTables(ctx, env, entries, *r.concurrency, r.newJob(env))
}

func (r *restoreAction) newJob(env *runEnv) jobFactory {
	return func(entry dynbackup.ManifestEntry) (tableJob, error) {
		rate := r.rate
		if entry.Rate != 0 {
			rate = entry.Rate
		}
		im := &dynbackup.Importer{
			Dyn:      r.aws.dyn,
			Rate:     rate,
			MaxItems: int64(*r.maxItems),
			Logger:   env.logger,
		}

		var closer io.Closer
		if *r.snapshot {
			src := dynbackup.NewSnapshotSource(r.aws.s3, r.src.Bucket, r.src.key(entry.Table))
			im.TableName = dynbackup.SnapshotTable(entry.Table)
			im.Source = src
			closer = src
		} else {
			im.TableName = entry.Table
			im.Source = dynbackup.NewObjectSource(r.aws.s3, r.src.Bucket, r.src.key(entry.Table))
		}

		return tableJob{
			run: func(ctx context.Context) (dynbackup.Outcome, error) {
				if closer != nil {
					defer closer.Close()
				}
				return im.Run(ctx)
			},
			stats: func() counts {
				s := im.Stats()
				return counts{Items: s.ItemsWritten, Bytes: s.BytesRead, Capacity: s.CapacityUsed}
			},
		}, nil
	}
}

func (r *restoreAction) printFinalStats(w io.Writer, elapsed time.Duration) {
	printTableStats(w, "restored", r.progress(), elapsed)
}
