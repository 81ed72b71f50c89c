// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Bowery/prompt"
	"github.com/gwatts/dynbackup/dynbackup"
	cli "github.com/jawher/mow.cli"
	"go.uber.org/zap"
)

// tableJob is one table's pipeline, along with a way to read its stats
// while it runs.
type tableJob struct {
	run   func(ctx context.Context) (dynbackup.Outcome, error)
	stats func() counts
}

type jobFactory func(entry dynbackup.ManifestEntry) (tableJob, error)

// tableAction is embedded by actions that run one pipeline per table.
type tableAction struct {
	tr atomic.Pointer[tracker]
}

func (ta *tableAction) progress() progress {
	if tr := ta.tr.Load(); tr != nil {
		return tr.progress()
	}
	return progress{}
}

// runTables runs a job for every entry, at most concurrency at a time, and
// returns the exit status for the set.  The first failing table stops the
// rest.
func (ta *tableAction) runTables(ctx context.Context, env *runEnv, entries []dynbackup.ManifestEntry, concurrency int, newJob jobFactory) (int, error) {
	tr := newTracker(len(entries))
	ta.tr.Store(tr)

	outcomes, err := dynbackup.RunTables(ctx, entries, concurrency, func(ctx context.Context, entry dynbackup.ManifestEntry) (dynbackup.Outcome, error) {
		job, err := newJob(entry)
		if err != nil {
			tr.finish(entry.Table, true)
			return dynbackup.Outcome{Table: entry.Table, Err: err}, err
		}
		tr.start(entry.Table, job.stats)
		out, err := job.run(ctx)
		tr.finish(entry.Table, err != nil)
		return out, err
	})

	for _, o := range outcomes {
		if o.Err != nil {
			env.logger.Error("Table failed", zap.String("table", o.Table), zap.Error(o.Err))
			continue
		}
		fmt.Fprintf(env.termWriter, "%s: %d items (%s)\n", o.Table, o.Count, fmtBytes(o.Bytes))
		env.logger.Info("Table completed OK",
			zap.String("table", o.Table),
			zap.Int64("items", o.Count),
			zap.Int64("bytes", o.Bytes))
	}

	status := dynbackup.ExitStatus(outcomes)
	if err != nil && status == exitOK {
		status = exitFailure
	}
	return status, err
}

// tableSourceOpts are the options selecting the set of tables to process.
type tableSourceOpts struct {
	prefix     *string
	tablesFile *string
}

func addTableSourceOpts(cmd *cli.Cmd, prefixDesc string) tableSourceOpts {
	return tableSourceOpts{
		prefix: cmd.String(cli.StringOpt{
			Name:   "p prefix",
			Value:  "",
			Desc:   prefixDesc,
			EnvVar: "TABLE_PREFIX",
		}),
		tablesFile: cmd.String(cli.StringOpt{
			Name:   "f tables-file",
			Value:  "",
			Desc:   `File listing one table per line, optionally followed by a rate limit (eg. "users,50")`,
			EnvVar: "TABLES_FILE",
		}),
	}
}

func (o tableSourceOpts) source() dynbackup.TableSource {
	return dynbackup.TableSource{Prefix: *o.prefix, ManifestFile: *o.tablesFile}
}

// folderCatalog lists the table folders stored below loc.
func folderCatalog(svc dynbackup.S3Lister, loc s3Location) dynbackup.Catalog {
	list := dynbackup.FolderCatalog(svc, loc.Bucket)
	return func(ctx context.Context, prefix string) ([]string, error) {
		var search string
		if loc.Prefix != "" {
			search = loc.Prefix + "/"
		}
		folders, err := list(ctx, search+prefix)
		if err != nil {
			return nil, err
		}
		for i, f := range folders {
			folders[i] = loc.trim(f)
		}
		return folders, nil
	}
}

// snapshotCatalog lists the snapshots stored under a tag below loc, as
// "tag/table" names.
func snapshotCatalog(svc dynbackup.S3Lister, loc s3Location) dynbackup.Catalog {
	list := dynbackup.SnapshotCatalog(svc, loc.Bucket)
	return func(ctx context.Context, tag string) ([]string, error) {
		if strings.Trim(tag, "/") == "" {
			return nil, &dynbackup.ConfigError{Msg: "a snapshot tag is required"}
		}
		keys, err := list(ctx, loc.key(tag))
		if err != nil {
			return nil, err
		}
		for i, k := range keys {
			keys[i] = loc.trim(k)
		}
		return keys, nil
	}
}

// confirm asks the operator to confirm a destructive operation unless force
// is set.
func confirm(force bool, op, question string) error {
	if force {
		return nil
	}
	ok, err := prompt.Ask(question)
	if err != nil {
		return fmt.Errorf("could not prompt for confirmation (use --force to override): %w", err)
	}
	if !ok {
		return fmt.Errorf("user rejected %s", op)
	}
	return nil
}

func checkConcurrency(n int) error {
	if n < 1 || n > maxConcurrency {
		return &dynbackup.ConfigError{Msg: fmt.Sprintf("concurrency must be between 1 and %d", maxConcurrency)}
	}
	return nil
}
