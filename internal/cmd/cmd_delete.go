// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gwatts/dynbackup/dynbackup"
	cli "github.com/jawher/mow.cli"
	"go.uber.org/zap"
)

func registerDeleteSnapshotCommand(app *cli.Cli, st *appState) {
	app.Command("delete-snapshot", "Delete every table snapshot stored under a tag", func(cmd *cli.Cmd) {
		cmd.Spec = "[--region] [--force] --tag S3DST"
		action := &deleteAction{
			dstURL: cmd.StringArg("S3DST", "", `S3 location holding the snapshots (eg. "s3://my-bucket/snapshots")`),
			region: regionOpt(cmd),
			tag:    tagOpt(cmd, "Snapshot tag to delete"),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Set to true to disable the delete prompt",
				EnvVar: "NO_DELETE_PROMPT",
			}),
		}
		cmd.Action = actionRunner(cmd, st, "delete-snapshot", action)
	})
}

type deleteAction struct {
	del atomic.Pointer[dynbackup.SnapshotDeleter]
	dst s3Location
	aws *awsServices

	// options
	dstURL *string
	region *string
	tag    *string
	force  *bool
}

func (d *deleteAction) init(env *runEnv) (err error) {
	if d.dst, err = parseS3URL(*d.dstURL); err != nil {
		return err
	}
	if strings.Trim(*d.tag, "/") == "" {
		return &dynbackup.ConfigError{Msg: "a snapshot tag is required"}
	}
	region := *d.region
	if region == "" {
		region = env.cfg.AWS.Region
	}
	d.aws, err = env.initAWS(region, env.awsRetries(env.cfg.AWS.MaxRetries))
	return err
}

func (d *deleteAction) start(ctx context.Context, env *runEnv) (int, error) {
	tables, err := snapshotCatalog(d.aws.s3, d.dst)(ctx, *d.tag)
	if err != nil {
		return exitFailure, err
	}
	if len(tables) == 0 {
		fmt.Fprintf(env.termWriter, "No snapshots found for tag %s in %s\n", *d.tag, d.dst)
		return exitOK, nil
	}

	fmt.Fprintf(env.stdout, "Delete snapshot %s of %d tables from %s\n\n", *d.tag, len(tables), d.dst)
	if err := confirm(*d.force, "delete", "Are you sure you wish to delete the above snapshot"); err != nil {
		return exitFailure, err
	}

	del := &dynbackup.SnapshotDeleter{
		S3:     d.aws.s3,
		Bucket: d.dst.Bucket,
		Tag:    d.dst.key(*d.tag),
	}
	d.del.Store(del)

	path := d.dst.String() + "/" + strings.Trim(*d.tag, "/")
	fmt.Fprintf(env.termWriter, "Beginning s3 delete prefix=%s objects=%d\n", path, len(tables))
	env.logger.Info("Beginning s3 delete", zap.String("prefix", path), zap.Int("objects", len(tables)))

	if err := del.Delete(ctx); err != nil {
		env.logger.Error("Delete failed", zap.String("prefix", path), zap.Error(err))
		return exitFailure, err
	}
	env.logger.Info("Delete completed OK", zap.String("prefix", path), zap.Int64("deleted", del.Completed()))
	return exitOK, nil
}

func (d *deleteAction) progress() progress {
	var p progress
	if del := d.del.Load(); del != nil {
		p.Items = del.Completed()
	}
	return p
}

func (d *deleteAction) printFinalStats(w io.Writer, elapsed time.Duration) {
	fmt.Fprintf(w, "Deleted %d objects from %s in %.1f seconds\n",
		d.progress().Items, d.dst, elapsed.Seconds())
}
