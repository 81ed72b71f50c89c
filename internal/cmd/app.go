// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

// Package cmd implements the dynbackup command line.
package cmd

import (
	"flag"
	"io"
	"os"

	cli "github.com/jawher/mow.cli"
)

// Version is reported by --version.
var Version = "dev"

// appState carries the exit status of the command that ran back to Run.
type appState struct {
	status int
	stdout io.Writer
	stderr io.Writer
}

// Run runs the command line given by args and returns the status the process
// should exit with.  Usage errors return 1; --help returns 0.
func Run(args []string) int {
	st := &appState{stdout: os.Stdout, stderr: os.Stderr}
	if err := newApp(st).Run(args); err != nil {
		return exitFailure
	}
	return st.status
}

func newApp(st *appState) *cli.Cli {
	app := cli.App("dynbackup", "Back up DynamoDB tables to S3 and restore them")
	app.Version("version", "dynbackup "+Version)
	app.ErrorHandling = flag.ContinueOnError

	registerBackupCommand(app, st)
	registerRestoreCommand(app, st)
	registerSnapshotCommand(app, st)
	registerDeleteSnapshotCommand(app, st)
	registerParallelBackupCommand(app, st)
	registerParallelRestoreCommand(app, st)
	registerParallelSnapshotCommand(app, st)
	registerPlanCommand(app, st)
	return app
}
