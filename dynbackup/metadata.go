// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// DynDescriber defines the portion of the DynamoDB service needed to look
// up table metadata.
type DynDescriber interface {
	DescribeTableWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.Option) (*dynamodb.DescribeTableOutput, error)
}

// Table is a snapshot of a table's metadata, fetched once per run.
type Table struct {
	Name          string
	Region        string
	KeySchema     []string // attribute names; hash key first, then range key
	ReadCapacity  int64
	WriteCapacity int64
	ItemCount     int64 // approximate; refreshed by DynamoDB every ~6 hours
	SizeBytes     int64
}

// DescribeTable fetches the metadata for a single table.
func DescribeTable(ctx context.Context, dyn DynDescriber, name string) (*Table, error) {
	resp, err := dyn.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		return nil, err
	}
	return tableFromDescription(resp.Table), nil
}

func tableFromDescription(td *dynamodb.TableDescription) *Table {
	t := &Table{
		Name:      aws.StringValue(td.TableName),
		ItemCount: aws.Int64Value(td.ItemCount),
		SizeBytes: aws.Int64Value(td.TableSizeBytes),
	}
	if arn := aws.StringValue(td.TableArn); arn != "" {
		t.Region = regionFromARN(arn)
	}
	if pt := td.ProvisionedThroughput; pt != nil {
		t.ReadCapacity = aws.Int64Value(pt.ReadCapacityUnits)
		t.WriteCapacity = aws.Int64Value(pt.WriteCapacityUnits)
	}

	var hash, rng string
	for _, ks := range td.KeySchema {
		switch aws.StringValue(ks.KeyType) {
		case dynamodb.KeyTypeHash:
			hash = aws.StringValue(ks.AttributeName)
		case dynamodb.KeyTypeRange:
			rng = aws.StringValue(ks.AttributeName)
		}
	}
	if hash != "" {
		t.KeySchema = append(t.KeySchema, hash)
	}
	if rng != "" {
		t.KeySchema = append(t.KeySchema, rng)
	}
	return t
}

// arn:aws:dynamodb:<region>:<account>:table/<name>
func regionFromARN(arn string) string {
	var field, start int
	for i := 0; i < len(arn); i++ {
		if arn[i] != ':' {
			continue
		}
		field++
		if field == 3 {
			start = i + 1
		} else if field == 4 {
			return arn[start:i]
		}
	}
	return ""
}
