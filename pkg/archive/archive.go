// Package archive keeps a copy of every finalized test run in
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/store"
	"github.com/sirupsen/logrus"
)

const defaultPrefix = "testruns"

// Archiver stores finalized test runs.
type Archiver interface {
	Archive(ctx context.Context, run *store.HistoricalRun) error
}

// s3Archiver implements Archiver for S3-compatible storage.
type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.ArchiveConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates a new S3 archiver from the given configuration.
func NewS3Archiver(
	log logrus.FieldLogger,
	cfg *config.ArchiveConfig,
) Archiver {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}

			// Not every S3-compatible store accepts the default
			// streaming checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		},
	}

	return &s3Archiver{
		log:    log.WithField("component", "s3-archiver"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// Archive writes run as JSON under
// <prefix>/<product>/<dashboard>/<test run id>.json.
func (a *s3Archiver) Archive(ctx context.Context, run *store.HistoricalRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding test run: %w", err)
	}

	key := a.objectKey(run)

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}

	a.log.WithField("key", key).Debug("Archived test run")

	return nil
}

func (a *s3Archiver) objectKey(run *store.HistoricalRun) string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return path.Join(
		prefix,
		sanitize(run.ProductName),
		sanitize(run.DashboardName),
		sanitize(run.TestRunID)+".json",
	)
}

// sanitize keeps identifiers from introducing extra path segments.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")

	if s == "" || s == "." || s == ".." {
		return "_"
	}

	return s
}
