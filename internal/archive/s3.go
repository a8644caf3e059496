// Package archive keeps snapshots of purged workflow instances in S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

// Config holds S3 archive settings.
type Config struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	StorageClass string `yaml:"storage_class"`
}

// DefaultConfig returns archive defaults (disabled).
func DefaultConfig() *Config {
	return &Config{
		Prefix:       "recap/instances",
		Region:       "ap-northeast-1",
		StorageClass: string(types.StorageClassStandardIa),
	}
}

// ObjectPutter is the subset of the S3 client used by the archiver.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one JSON object per instance. It implements
// durable.Archiver.
type S3Archiver struct {
	client ObjectPutter
	config *Config
	log    *slog.Logger
}

// NewS3Archiver loads the default AWS credential chain for cfg.Region.
func NewS3Archiver(ctx context.Context, cfg *Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive.bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3ArchiverWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3ArchiverWithClient creates an archiver over an existing client.
func NewS3ArchiverWithClient(client ObjectPutter, cfg *Config) *S3Archiver {
	return &S3Archiver{
		client: client,
		config: cfg,
		log:    logging.WithComponent("archive"),
	}
}

// Key returns the object key for an instance, partitioned by creation date.
func (a *S3Archiver) Key(inst *durable.Instance) string {
	return path.Join(
		strings.Trim(a.config.Prefix, "/"),
		inst.Workflow,
		inst.CreatedAt.UTC().Format("2006/01/02"),
		inst.ID+".json",
	)
}

// Archive implements durable.Archiver.
func (a *S3Archiver) Archive(ctx context.Context, snap *durable.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	key := a.Key(snap.Instance)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"instance-id": snap.Instance.ID,
			"item-key":    snap.Instance.ItemKey,
			"status":      string(snap.Instance.Status),
		},
	}
	if a.config.StorageClass != "" {
		input.StorageClass = types.StorageClass(a.config.StorageClass)
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload snapshot %s to S3: %w", snap.Instance.ID, err)
	}

	a.log.Info("Instance archived",
		slog.String("instance_id", snap.Instance.ID),
		slog.String("path", fmt.Sprintf("s3://%s/%s", a.config.Bucket, key)))
	return nil
}
