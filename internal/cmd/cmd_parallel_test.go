// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/gwatts/dynbackup/dynbackup"
	"github.com/gwatts/dynbackup/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func testCommonOpts() *commonOpts {
	return &commonOpts{
		silent:     ptr(false),
		noProgress: ptr(false),
		logTarget:  ptr(""),
		logLevel:   ptr(""),
		maxRetries: ptr(-1),
		configFile: ptr(""),
	}
}

func TestCommonWorkerArgs(t *testing.T) {
	o := testCommonOpts()
	assert.Equal(t, []string{"--no-progress"}, o.workerArgs())

	o.silent = ptr(true)
	o.logTarget = ptr("-")
	o.logLevel = ptr("debug")
	o.maxRetries = ptr(3)
	o.configFile = ptr("/etc/dynbackup.yaml")
	assert.Equal(t, []string{
		"--no-progress",
		"--silent",
		"--log=-",
		"--log-level=debug",
		"--max-retries=3",
		"--config=/etc/dynbackup.yaml",
	}, o.workerArgs())

	// workers must not share a log file with the parent
	o.logTarget = ptr("/var/log/dynbackup.log")
	assert.NotContains(t, o.workerArgs(), "--log=/var/log/dynbackup.log")
}

func TestWorkerCount(t *testing.T) {
	cfg := config.Default()

	n, err := workerCount(3, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cfg.Workers = 5
	n, err = workerCount(0, cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	cfg.Workers = 0
	n, err = workerCount(0, cfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, err = workerCount(-1, cfg)
	assert.Error(t, err)
	_, err = workerCount(maxConcurrency+1, cfg)
	assert.Error(t, err)
}

func TestParallelBackupArgs(t *testing.T) {
	pb := &parallelBackupAction{
		region: ptr("us-west-2"),
		s3URL:  ptr("s3://bucket/backups"),
		rps:    dynbackup.Rate(100),
	}
	pb.common = testCommonOpts()

	assert.Equal(t, []string{
		"backup", "--tables-file=/tmp/p0.manifest", "--no-progress", "us-west-2", "s3://bucket/backups", "100",
	}, pb.args("/tmp/p0.manifest"))

	pb.rps = dynbackup.Unlimited
	assert.Equal(t, []string{
		"backup", "--tables-file=/tmp/p0.manifest", "--no-progress", "us-west-2", "s3://bucket/backups",
	}, pb.args("/tmp/p0.manifest"))
}

type fakeDescriber map[string][2]int64 // table -> item count, read capacity

func (f fakeDescriber) DescribeTableWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	md, ok := f[aws.StringValue(input.TableName)]
	if !ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "not found", nil)
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{
		TableName: input.TableName,
		ItemCount: aws.Int64(md[0]),
		ProvisionedThroughput: &dynamodb.ProvisionedThroughputDescription{
			ReadCapacityUnits:  aws.Int64(md[1]),
			WriteCapacityUnits: aws.Int64(0),
		},
	}}, nil
}

// Workers back up every table at or below the rate given to parallel-backup,
// whatever capacity the tables have.
func TestParallelBackupRateLimit(t *testing.T) {
	dyn := fakeDescriber{
		"ondemand":    {100, 0},
		"provisioned": {50, 400},
		"tiny":        {5, 4},
	}
	entries := []dynbackup.ManifestEntry{{Table: "ondemand"}, {Table: "provisioned"}, {Table: "tiny"}, {Table: "missing"}}
	pb := &parallelBackupAction{rps: dynbackup.Rate(5)}
	pb.workers = 2

	parts := pb.partition(context.Background(), dyn, entries, nil)
	require.Len(t, parts, 2)

	seen := 0
	for _, p := range parts {
		var buf bytes.Buffer
		require.NoError(t, dynbackup.WriteManifest(&buf, p.Tables))
		manifest, err := dynbackup.ReadManifest(&buf)
		require.NoError(t, err)
		for _, entry := range manifest {
			seen++
			rate := exportRate(pb.rps, entry)
			assert.False(t, rate.IsUnlimited(), entry.Table)
			assert.LessOrEqual(t, int(rate), 5, entry.Table)
			assert.Greater(t, int(rate), 0, entry.Table)
		}
	}
	assert.Equal(t, len(entries), seen)
}

func TestExportRate(t *testing.T) {
	assert.Equal(t, dynbackup.Rate(5), exportRate(5, dynbackup.ManifestEntry{Table: "a"}))
	assert.Equal(t, dynbackup.Rate(2), exportRate(5, dynbackup.ManifestEntry{Table: "a", Rate: 2}))
	assert.Equal(t, dynbackup.Unlimited, exportRate(dynbackup.Unlimited, dynbackup.ManifestEntry{Table: "a"}))
}

func TestParallelRestoreArgs(t *testing.T) {
	pr := &parallelRestoreAction{
		region:    ptr("us-west-2"),
		s3URL:     ptr("s3://bucket/snapshots"),
		writeRate: ptr(""),
		tag:       "20240102",
	}
	pr.common = testCommonOpts()

	assert.Equal(t, []string{
		"restore", "--force", "--tables-file=m", "--snapshot", "--no-progress", "s3://bucket/snapshots", "us-west-2",
	}, pr.args("m"))

	pr.tag = ""
	pr.writeRate = ptr("50")
	assert.Equal(t, []string{
		"restore", "--force", "--tables-file=m", "--write-rate=50", "--no-progress", "s3://bucket/snapshots", "us-west-2",
	}, pr.args("m"))
}

func TestParallelSnapshotArgs(t *testing.T) {
	ps := &parallelSnapshotAction{
		srcURL:     ptr("s3://bucket/backups"),
		dstURL:     ptr("s3://bucket/snapshots"),
		copyRate:   ptr(2.5),
		snapTag:    "20240102",
		regionName: "eu-west-1",
	}
	ps.common = testCommonOpts()

	assert.Equal(t, []string{
		"snapshot",
		"--tables-file=m",
		"--tag=20240102",
		"--region=eu-west-1",
		"--copy-rate=2.5",
		"--no-progress",
		"s3://bucket/backups",
		"s3://bucket/snapshots",
	}, ps.args("m"))
}

func TestPrintPlan(t *testing.T) {
	tables := []dynbackup.WeightedTable{
		{ManifestEntry: dynbackup.ManifestEntry{Table: "users", Rate: 50}, Weight: 100},
		{ManifestEntry: dynbackup.ManifestEntry{Table: "orders"}, Weight: 10},
		{ManifestEntry: dynbackup.ManifestEntry{Table: "events", Rate: dynbackup.Unlimited}, Weight: 40},
	}
	parts := dynbackup.PartitionTables(tables, 2)

	var buf bytes.Buffer
	require.NoError(t, printPlan(&buf, dynbackup.DirectionRead, tables, parts))
	out := buf.String()

	assert.Contains(t, out, "Direction ...........: read\n")
	assert.Contains(t, out, "Workers .............: 2\n")
	assert.Contains(t, out, "Tables ..............: 3\n")
	assert.Contains(t, out, "P0 (2 tables, weight 110)\n  orders\n  users  rate=50\n")
	assert.Contains(t, out, "P1 (1 tables, weight 40)\n  events  rate=unlimited\n")
}
