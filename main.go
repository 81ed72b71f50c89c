// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Command dynbackup backs up DynamoDB tables to S3 and restores them.

Each table is scanned and every item is written to S3 as its own JSON object,
keyed by the MD5 of the item's primary key, so repeated backups overwrite
rather than duplicate.  Backups can be rolled up into dated, gzip compressed
snapshots, and either form can be restored to a table.

Large sets of tables can be split between several worker processes with the
parallel-backup, parallel-restore and parallel-snapshot commands; the plan
command shows how the tables would be divided.

Defaults for AWS, logging and metrics may be given in a YAML file passed with
--config; a .env file in the working directory is loaded at startup.

AWS credentials are read from the standard environment variables or shared
configuration files:
* AWS_ACCESS_KEY_ID
* AWS_SECRET_ACCESS_KEY
* AWS_PROFILE
*/
package main

import (
	"os"

	"github.com/gwatts/dynbackup/internal/cmd"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load() // .env is optional
	os.Exit(cmd.Run(os.Args))
}
