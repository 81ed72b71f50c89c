// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/gwatts/dynbackup/dynbackup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFmtBytes(t *testing.T) {
	tests := []struct {
		in       int64
		expected string
	}{
		{-1, "unknown"},
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1536, "1.5 KB"},
		{5 * mib, "5.0 MB"},
		{3 * gib / 2, "1.5 GB"},
		{2 * tib, "2.0 TB"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, fmtBytes(test.in), "bytes=%d", test.in)
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in       string
		expected s3Location
	}{
		{"s3://bucket", s3Location{Bucket: "bucket"}},
		{"s3://bucket/", s3Location{Bucket: "bucket"}},
		{"s3://bucket/backups", s3Location{Bucket: "bucket", Prefix: "backups"}},
		{" s3://bucket/a/b/ ", s3Location{Bucket: "bucket", Prefix: "a/b"}},
	}
	for _, test := range tests {
		loc, err := parseS3URL(test.in)
		require.NoError(t, err, test.in)
		assert.Equal(t, test.expected, loc, test.in)
	}
}

func TestParseS3URLInvalid(t *testing.T) {
	for _, in := range []string{"", "bucket/prefix", "http://bucket/prefix", "s3:///prefix", "s3://%zz"} {
		_, err := parseS3URL(in)
		var cerr *dynbackup.ConfigError
		assert.True(t, errors.As(err, &cerr), "expected config error for %q, got %v", in, err)
	}
}

func TestS3Location(t *testing.T) {
	loc := s3Location{Bucket: "bucket", Prefix: "backups"}
	assert.Equal(t, "s3://bucket/backups", loc.String())
	assert.Equal(t, "backups/users", loc.key("users"))
	assert.Equal(t, "users/abc", loc.trim("backups/users/abc"))

	root := s3Location{Bucket: "bucket"}
	assert.Equal(t, "s3://bucket", root.String())
	assert.Equal(t, "users", root.key("users"))
	assert.Equal(t, "users", root.trim("users"))
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "a/b", joinKey("a", "b"))
	assert.Equal(t, "a/b", joinKey("/a/", "/b/"))
	assert.Equal(t, "b", joinKey("", "b"))
	assert.Equal(t, "a", joinKey("a", ""))
	assert.Equal(t, "", joinKey("", ""))
}

func TestCustomRetryer(t *testing.T) {
	r := &CustomRetryer{DefaultRetryer: client.DefaultRetryer{NumMaxRetries: 3}}
	badRequest := &http.Response{StatusCode: http.StatusBadRequest}

	scan := &request.Request{
		Operation:    &request.Operation{Name: "Scan"},
		Error:        awserr.New(request.ErrCodeSerialization, "connection reset", nil),
		HTTPResponse: badRequest,
	}
	assert.True(t, r.ShouldRetry(scan), "scan serialization errors should be retried")

	query := &request.Request{
		Operation:    &request.Operation{Name: "Query"},
		Error:        awserr.New(request.ErrCodeSerialization, "connection reset", nil),
		HTTPResponse: badRequest,
	}
	assert.False(t, r.ShouldRetry(query))

	validation := &request.Request{
		Operation:    &request.Operation{Name: "Scan"},
		Error:        awserr.New("ValidationException", "bad request", nil),
		HTTPResponse: badRequest,
	}
	assert.False(t, r.ShouldRetry(validation))
}
