// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"context"
	"io"
	"text/template"
	"time"

	"github.com/gwatts/dynbackup/dynbackup"
	cli "github.com/jawher/mow.cli"
)

var planTmpl = template.Must(template.New("plan").Parse(`Direction ...........: {{ .Direction }}
Workers .............: {{ len .Partitions }}
Tables ..............: {{ .TableCount }}
{{ range .Partitions }}
P{{ .Index }} ({{ len .Tables }} tables, weight {{ .Weight }})
{{- range .Tables }}
  {{ .Table }}{{ if .Rate }}  rate={{ .Rate }}{{ end }}
{{- end }}
{{ end -}}
`))

type planPartition struct {
	Index  int
	Weight int64
	Tables []dynbackup.ManifestEntry
}

type planView struct {
	Direction  dynbackup.Direction
	TableCount int
	Partitions []planPartition
}

// printPlan writes a human readable description of how tables would be
// split between workers.
func printPlan(w io.Writer, dir dynbackup.Direction, tables []dynbackup.WeightedTable, partitions []dynbackup.Partition) error {
	weights := dynbackup.Weights(tables)
	view := planView{Direction: dir, TableCount: len(tables)}
	for _, p := range partitions {
		view.Partitions = append(view.Partitions, planPartition{
			Index:  p.Index,
			Weight: p.Weight(weights),
			Tables: p.Tables,
		})
	}
	return planTmpl.Execute(w, view)
}

func registerPlanCommand(app *cli.Cli, st *appState) {
	app.Command("plan", "Show how tables would be split between worker processes", func(cmd *cli.Cmd) {
		cmd.Spec = "[--workers] [--direction] [--prefix | --tables-file] REGION"
		action := &planAction{
			region: cmd.StringArg("REGION", "", "AWS region holding the tables"),
			tables: addTableSourceOpts(cmd, "Only include tables whose names start with this prefix"),
			direction: cmd.String(cli.StringOpt{
				Name:   "d direction",
				Value:  "read",
				Desc:   "Capacity to plan for: read (backup) or write (restore)",
				EnvVar: "PLAN_DIRECTION",
			}),
		}
		action.workersFlag = workersOpt(cmd)
		cmd.Action = actionRunner(cmd, st, "plan", action)
	})
}

type planAction struct {
	dir     dynbackup.Direction
	workers int
	aws     *awsServices

	// options
	region      *string
	tables      tableSourceOpts
	direction   *string
	workersFlag *int
}

func (pa *planAction) init(env *runEnv) (err error) {
	if pa.dir, err = dynbackup.ParseDirection(*pa.direction); err != nil {
		return err
	}
	if err := pa.tables.source().Validate(); err != nil {
		return err
	}
	if pa.workers, err = workerCount(*pa.workersFlag, env.cfg); err != nil {
		return err
	}
	pa.aws, err = env.initAWS(*pa.region, env.awsRetries(env.cfg.AWS.MaxRetries))
	return err
}

func (pa *planAction) start(ctx context.Context, env *runEnv) (int, error) {
	entries, err := dynbackup.Enumerate(ctx, pa.tables.source(), dynbackup.DynamoCatalog(pa.aws.dyn))
	if err != nil {
		return exitFailure, err
	}
	weighted := dynbackup.Weigh(ctx, pa.aws.dyn, entries, pa.dir, dynbackup.Unlimited, weighConcurrency, env.logger)
	partitions := dynbackup.PartitionTables(weighted, pa.workers)
	if err := printPlan(env.stdout, pa.dir, weighted, partitions); err != nil {
		return exitFailure, err
	}
	return exitOK, nil
}

func (pa *planAction) printFinalStats(w io.Writer, elapsed time.Duration) {}
