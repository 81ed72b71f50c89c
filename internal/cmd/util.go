// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/gwatts/dynbackup/dynbackup"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
	tib = 1 << 40
)

func fmtBytes(bytes int64) string {
	switch {
	case bytes < 0:
		return "unknown"
	case bytes < kib:
		return fmt.Sprintf("%d bytes", bytes)
	case bytes < mib:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kib)
	case bytes < gib:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mib)
	case bytes < tib:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gib)
	default:
		return fmt.Sprintf("%.1f TB", float64(bytes)/tib)
	}
}

// s3Location is a parsed s3://bucket/prefix URL.
type s3Location struct {
	Bucket string
	Prefix string // without leading or trailing slashes
}

func (l s3Location) String() string {
	if l.Prefix == "" {
		return "s3://" + l.Bucket
	}
	return "s3://" + l.Bucket + "/" + l.Prefix
}

// key joins the location's prefix with a path below it.
func (l s3Location) key(path string) string {
	return joinKey(l.Prefix, path)
}

// trim removes the location's prefix from a key below it.
func (l s3Location) trim(key string) string {
	if l.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, l.Prefix+"/")
}

func parseS3URL(s string) (s3Location, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return s3Location{}, &dynbackup.ConfigError{Msg: fmt.Sprintf("invalid S3 URL %q", s), Err: err}
	}
	if u.Scheme != "s3" || u.Host == "" {
		return s3Location{}, &dynbackup.ConfigError{Msg: fmt.Sprintf("invalid S3 URL %q; expected s3://bucket/prefix", s)}
	}
	return s3Location{
		Bucket: u.Host,
		Prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func joinKey(prefix, path string) string {
	prefix = strings.Trim(prefix, "/")
	path = strings.Trim(path, "/")
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	}
	return prefix + "/" + path
}

type awsServices struct {
	s3       *s3.S3
	dyn      *dynamodb.DynamoDB
	uploader *s3manager.Uploader
}

type awsOptions struct {
	Region      string
	Endpoint    string
	MaxRetries  int
	HTTPTimeout time.Duration
}

func initAWS(opts awsOptions) (*awsServices, error) {
	// Workaround for https://github.com/aws/aws-sdk-go/issues/1139
	r := &CustomRetryer{
		DefaultRetryer: client.DefaultRetryer{
			NumMaxRetries: opts.MaxRetries,
		},
	}

	cfg := aws.NewConfig().
		WithRegion(opts.Region).
		WithHTTPClient(&http.Client{Timeout: opts.HTTPTimeout})
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	cfg = request.WithRetryer(cfg, r)

	s, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &awsServices{
		s3:       s3.New(s),
		dyn:      dynamodb.New(s),
		uploader: s3manager.NewUploader(s),
	}, nil
}

type CustomRetryer struct {
	client.DefaultRetryer
}

func (cr *CustomRetryer) ShouldRetry(r *request.Request) bool {
	// Scan seems to frequently drop connections, which results in a
	// SerializationError; trap and force a retry.
	if r.Error != nil && r.Operation != nil && r.Operation.Name == "Scan" {
		if err, ok := r.Error.(awserr.Error); ok {
			if err.Code() == request.ErrCodeSerialization {
				return true
			}
		}
	}

	return cr.DefaultRetryer.ShouldRetry(r)
}
