// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
)

const listTablesLimit = 100

// DynTableLister defines the portion of the DynamoDB service needed to list
// tables.
type DynTableLister interface {
	ListTablesWithContext(ctx aws.Context, input *dynamodb.ListTablesInput, opts ...request.Option) (*dynamodb.ListTablesOutput, error)
}

// Catalog lists the tables whose names start with prefix.
type Catalog func(ctx context.Context, prefix string) ([]string, error)

// TableSource selects where the set of tables to process comes from: a
// manifest file, or a catalog filtered by Prefix.
type TableSource struct {
	Prefix       string
	ManifestFile string
}

// Validate checks that at most one source is configured.
func (ts TableSource) Validate() error {
	if strings.TrimSpace(ts.Prefix) != "" && strings.TrimSpace(ts.ManifestFile) != "" {
		return &ConfigError{Msg: "prefix and tables file are mutually exclusive", Err: ErrConflictingSources}
	}
	return nil
}

// Enumerate returns the full, deduplicated list of tables from the
// configured source.  The catalog is only consulted when no manifest file is
// given.
func Enumerate(ctx context.Context, ts TableSource, catalog Catalog) ([]ManifestEntry, error) {
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	if fn := strings.TrimSpace(ts.ManifestFile); fn != "" {
		f, err := os.Open(fn)
		if err != nil {
			return nil, &ConfigError{Msg: "failed to open tables file", Err: err}
		}
		defer f.Close()
		return ReadManifest(f)
	}

	names, err := catalog(ctx, strings.TrimSpace(ts.Prefix))
	if err != nil {
		return nil, err
	}
	entries := make([]ManifestEntry, 0, len(names))
	for _, name := range dedupe(names) {
		entries = append(entries, ManifestEntry{Table: name})
	}
	return entries, nil
}

// DynamoCatalog lists tables from the DynamoDB table catalog.
func DynamoCatalog(dyn DynTableLister) Catalog {
	return func(ctx context.Context, prefix string) ([]string, error) {
		return ListTables(ctx, dyn, prefix)
	}
}

// FolderCatalog lists the table folders of a backup bucket.
func FolderCatalog(svc S3Lister, bucket string) Catalog {
	return func(ctx context.Context, prefix string) ([]string, error) {
		return ListTableFolders(ctx, svc, bucket, prefix)
	}
}

// SnapshotCatalog lists the snapshot objects stored under the tag given as
// the prefix.
func SnapshotCatalog(svc S3Lister, bucket string) Catalog {
	return func(ctx context.Context, tag string) ([]string, error) {
		return ListSnapshotTables(ctx, svc, bucket, tag)
	}
}

// ListTables returns the names of every table whose name starts with
// prefix.
func ListTables(ctx context.Context, dyn DynTableLister, prefix string) ([]string, error) {
	pager := NewPager(func(ctx context.Context, start string) ([]string, string, bool, error) {
		input := &dynamodb.ListTablesInput{Limit: aws.Int64(listTablesLimit)}
		if start != "" {
			input.ExclusiveStartTableName = aws.String(start)
		}
		resp, err := dyn.ListTablesWithContext(ctx, input)
		if err != nil {
			return nil, "", false, err
		}
		var names []string
		for _, name := range resp.TableNames {
			if n := aws.StringValue(name); strings.HasPrefix(n, prefix) {
				names = append(names, n)
			}
		}
		next := aws.StringValue(resp.LastEvaluatedTableName)
		return names, next, next != "", nil
	})
	names, err := CollectAll(ctx, pager)
	if err != nil {
		return nil, &CatalogError{Source: "dynamodb tables", Err: err}
	}
	return dedupe(names), nil
}

// ListTableFolders returns the distinct top level folders of bucket that
// start with prefix.  Each folder holds one table's backup objects.
func ListTableFolders(ctx context.Context, svc S3Lister, bucket, prefix string) ([]string, error) {
	pager := NewPager(func(ctx context.Context, marker string) ([]string, string, bool, error) {
		input := &s3.ListObjectsInput{
			Bucket:    aws.String(bucket),
			Delimiter: aws.String("/"),
		}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		if marker != "" {
			input.Marker = aws.String(marker)
		}
		resp, err := svc.ListObjectsWithContext(ctx, input)
		if err != nil {
			return nil, "", false, err
		}
		var folders []string
		for _, cp := range resp.CommonPrefixes {
			if f := strings.TrimSuffix(aws.StringValue(cp.Prefix), "/"); f != "" {
				folders = append(folders, f)
			}
		}
		next, more := nextMarker(resp)
		return folders, next, more, nil
	})
	folders, err := CollectAll(ctx, pager)
	if err != nil {
		return nil, &CatalogError{Source: "s3://" + bucket + "/" + prefix, Err: err}
	}
	return dedupe(folders), nil
}

// ListSnapshotTables returns the keys of the snapshot objects stored under
// tag, in the form "tag/table".
func ListSnapshotTables(ctx context.Context, svc S3Lister, bucket, tag string) ([]string, error) {
	tag = strings.Trim(tag, "/")
	if tag == "" {
		return nil, &ConfigError{Msg: "a snapshot tag is required"}
	}
	objects, err := CollectAll(ctx, NewPager(objectPages(svc, bucket, tag+"/")))
	if err != nil {
		return nil, &CatalogError{Source: "s3://" + bucket + "/" + tag, Err: err}
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if key := aws.StringValue(obj.Key); !strings.HasSuffix(key, "/") {
			keys = append(keys, key)
		}
	}
	return dedupe(keys), nil
}

// dedupe removes repeated names, keeping the first occurrence.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
