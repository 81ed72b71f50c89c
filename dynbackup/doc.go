// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Package dynbackup backs up DynamoDB tables to S3 and restores them.

Every record of a table is exported to its own S3 object whose key is derived
from an MD5 hash of the record's primary key, so repeated exports of an
unchanged table converge on the same set of objects.  Restores read those
objects (or a gzipped snapshot of them) back and write them to a table using
batched puts.

Both directions are rate limited with a sliding one second window so that the
operator can keep a backup or restore well below the table's provisioned
capacity.

For large table sets, PartitionTables splits the work across a fixed number of
worker processes and an Orchestrator runs those processes and aggregates their
exit status.
*/
package dynbackup
