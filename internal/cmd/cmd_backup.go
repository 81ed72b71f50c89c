// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gwatts/dynbackup/dynbackup"
	cli "github.com/jawher/mow.cli"
	"go.uber.org/zap"
)

func registerBackupCommand(app *cli.Cli, st *appState) {
	app.Command("backup", "Back up DynamoDB tables to S3, one object per item", func(cmd *cli.Cmd) {
		cmd.Spec = "[-c] [-m] [--concurrency] [--read-capacity] [--prefix | --tables-file] REGION S3URL [RATE]"
		action := &backupAction{
			region: cmd.StringArg("REGION", "", "AWS region holding the tables"),
			s3URL:  cmd.StringArg("S3URL", "", `S3 location to back up to (eg. "s3://my-bucket/backups")`),
			rate: cmd.StringArg("RATE", "",
				"Maximum items per second to read from each table; unlimited if absent or non-numeric"),
			tables: addTableSourceOpts(cmd, "Only back up tables whose names start with this prefix"),
			consistentRead: cmd.Bool(cli.BoolOpt{
				Name:   "c consistent-read",
				Value:  false,
				Desc:   "Enable consistent reads (at 2x capacity use)",
				EnvVar: "USE_CONSISTENT",
			}),
			maxItems: cmd.Int(cli.IntOpt{
				Name:   "m maxitems",
				Value:  0,
				Desc:   "Maximum number of items to back up from each table.  Set to 0 to process all items",
				EnvVar: "MAXITEMS",
			}),
			concurrency: cmd.Int(cli.IntOpt{
				Name:   "concurrency",
				Value:  1,
				Desc:   "Number of tables to back up at the same time",
				EnvVar: "CONCURRENCY",
			}),
			readCapacity: cmd.Float64(cli.Float64Opt{
				Name:   "read-capacity",
				Value:  0,
				Desc:   "Maximum read capacity units per second to consume from each table (0 for no limit)",
				EnvVar: "READ_CAPACITY",
			}),
		}
		cmd.Action = actionRunner(cmd, st, "backup", action)
	})
}

type backupAction struct {
	tableAction

	dst s3Location
	rps dynbackup.Rate
	aws *awsServices

	// options
	region         *string
	s3URL          *string
	rate           *string
	tables         tableSourceOpts
	consistentRead *bool
	maxItems       *int
	concurrency    *int
	readCapacity   *float64
}

func (b *backupAction) init(env *runEnv) (err error) {
	if b.dst, err = parseS3URL(*b.s3URL); err != nil {
		return err
	}
	b.rps = dynbackup.ParseRate(*b.rate)
	if err := b.rps.Validate(); err != nil {
		return &dynbackup.ConfigError{Msg: fmt.Sprintf("invalid rate %q", *b.rate), Err: err}
	}
	if err := b.tables.source().Validate(); err != nil {
		return err
	}
	if err := checkConcurrency(*b.concurrency); err != nil {
		return err
	}
	if *b.maxItems < 0 || *b.readCapacity < 0 {
		return &dynbackup.ConfigError{Msg: "maxitems and read-capacity must not be negative"}
	}
	b.aws, err = env.initAWS(*b.region, env.awsRetries(env.cfg.AWS.MaxRetries))
	return err
}

func (b *backupAction) start(ctx context.Context, env *runEnv) (int, error) {
	entries, err := dynbackup.Enumerate(ctx, b.tables.source(), dynbackup.DynamoCatalog(b.aws.dyn))
	if err != nil {
		return exitFailure, err
	}

	status := fmt.Sprintf("Beginning backup: region=%s tables=%d rate=%s concurrency=%d target=%s",
		*b.region, len(entries), b.rps, *b.concurrency, b.dst)
	fmt.Fprintln(env.termWriter, status)
	env.logger.Info("Beginning backup",
		zap.String("region", *b.region),
		zap.Int("tables", len(entries)),
		zap.Stringer("rate", b.rps),
		zap.Stringer("target", b.dst))

	return b.runTables(ctx, env, entries, *b.concurrency, b.newJob(env))
}

func (b *backupAction) newJob(env *runEnv) jobFactory {
	return func(entry dynbackup.ManifestEntry) (tableJob, error) {
		rate := exportRate(b.rps, entry)
		e := &dynbackup.Exporter{
			Dyn:            b.aws.dyn,
			S3:             b.aws.s3,
			TableName:      entry.Table,
			Bucket:         b.dst.Bucket,
			Prefix:         b.dst.Prefix,
			Rate:           rate,
			ReadCapacity:   *b.readCapacity,
			ConsistentRead: *b.consistentRead,
			MaxItems:       int64(*b.maxItems),
			Logger:         env.logger,
		}
		return tableJob{
			run: e.Run,
			stats: func() counts {
				s := e.Stats()
				return counts{Items: s.ItemsWritten, Bytes: s.BytesRead, Capacity: s.CapacityUsed}
			},
		}, nil
	}
}

// exportRate returns the rate a table is backed up at: its manifest rate if
// it has one, otherwise the command's rate.
func exportRate(rate dynbackup.Rate, entry dynbackup.ManifestEntry) dynbackup.Rate {
	if entry.Rate != 0 {
		return entry.Rate
	}
	return rate
}

func (b *backupAction) printFinalStats(w io.Writer, elapsed time.Duration) {
	printTableStats(w, "backed up", b.progress(), elapsed)
}
