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

// regionOpt adds the --region option used by commands that only talk to S3.
func regionOpt(cmd *cli.Cmd) *string {
	return cmd.String(cli.StringOpt{
		Name:   "region",
		Value:  "",
		Desc:   "AWS region of the S3 buckets; defaults to the configured region",
		EnvVar: "AWS_REGION",
	})
}

func tagOpt(cmd *cli.Cmd, desc string) *string {
	return cmd.String(cli.StringOpt{
		Name:   "t tag",
		Value:  "",
		Desc:   desc,
		EnvVar: "SNAPSHOT_TAG",
	})
}

func registerSnapshotCommand(app *cli.Cli, st *appState) {
	app.Command("snapshot", "Copy table backups into dated, gzip compressed snapshot objects", func(cmd *cli.Cmd) {
		cmd.Spec = "[--region] [--tag] [--copy-rate] [--concurrency] [--prefix | --tables-file] S3SRC S3DST"
		action := &snapshotAction{
			srcURL: cmd.StringArg("S3SRC", "", `S3 location holding the backups (eg. "s3://my-bucket/backups")`),
			dstURL: cmd.StringArg("S3DST", "", `S3 location to write snapshots to (eg. "s3://my-bucket/snapshots")`),
			tables: addTableSourceOpts(cmd, "Only snapshot tables whose names start with this prefix"),
			region: regionOpt(cmd),
			tag:    tagOpt(cmd, "Snapshot tag; defaults to today's date (yyyymmdd, UTC)"),
			copyRate: cmd.Float64(cli.Float64Opt{
				Name:   "copy-rate",
				Value:  0,
				Desc:   "Maximum backup objects to copy per second (0 for no limit)",
				EnvVar: "COPY_RATE",
			}),
			concurrency: cmd.Int(cli.IntOpt{
				Name:   "concurrency",
				Value:  1,
				Desc:   "Number of tables to snapshot at the same time",
				EnvVar: "CONCURRENCY",
			}),
		}
		cmd.Action = actionRunner(cmd, st, "snapshot", action)
	})
}

type snapshotAction struct {
	tableAction

	src     s3Location
	dst     s3Location
	snapTag string
	aws     *awsServices

	// options
	srcURL      *string
	dstURL      *string
	tables      tableSourceOpts
	region      *string
	tag         *string
	copyRate    *float64
	concurrency *int
}

func (sa *snapshotAction) init(env *runEnv) (err error) {
	if sa.src, err = parseS3URL(*sa.srcURL); err != nil {
		return err
	}
	if sa.dst, err = parseS3URL(*sa.dstURL); err != nil {
		return err
	}
	if err := sa.tables.source().Validate(); err != nil {
		return err
	}
	if err := checkConcurrency(*sa.concurrency); err != nil {
		return err
	}
	if *sa.copyRate < 0 {
		return &dynbackup.ConfigError{Msg: "copy-rate must not be negative"}
	}
	sa.snapTag = strings.Trim(*sa.tag, "/")
	if sa.snapTag == "" {
		sa.snapTag = dynbackup.DefaultTag(time.Now())
	}
	region := *sa.region
	if region == "" {
		region = env.cfg.AWS.Region
	}
	sa.aws, err = env.initAWS(region, env.awsRetries(env.cfg.AWS.SnapshotMaxRetries))
	return err
}

func (sa *snapshotAction) start(ctx context.Context, env *runEnv) (int, error) {
	entries, err := dynbackup.Enumerate(ctx, sa.tables.source(), folderCatalog(sa.aws.s3, sa.src))
	if err != nil {
		return exitFailure, err
	}

	fmt.Fprintf(env.termWriter, "Beginning snapshot: tables=%d source=%s target=%s tag=%s\n",
		len(entries), sa.src, sa.dst, sa.snapTag)
	env.logger.Info("Beginning snapshot",
		zap.Int("tables", len(entries)),
		zap.Stringer("source", sa.src),
		zap.Stringer("target", sa.dst),
		zap.String("tag", sa.snapTag))

	return sa.runTables(ctx, env, entries, *sa.concurrency, func(entry dynbackup.ManifestEntry) (tableJob, error) {
		sn := &dynbackup.Snapshotter{
			S3:        sa.aws.s3,
			Uploader:  sa.aws.uploader,
			SrcBucket: sa.src.Bucket,
			SrcPrefix: sa.src.key(entry.Table),
			DstBucket: sa.dst.Bucket,
			DstKey:    sa.dst.key(dynbackup.SnapshotKey(sa.snapTag, entry.Table)),
			CopyRate:  *sa.copyRate,
			Logger:    env.logger,
		}
		return tableJob{
			run: sn.Run,
			stats: func() counts {
				s := sn.Stats()
				return counts{Items: s.ObjectsCopied, Bytes: s.BytesRead}
			},
		}, nil
	})
}

func (sa *snapshotAction) printFinalStats(w io.Writer, elapsed time.Duration) {
	printTableStats(w, "copied", sa.progress(), elapsed)
}
