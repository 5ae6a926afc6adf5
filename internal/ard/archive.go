package ard

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/remotesensinginfo/eodatadown/internal/config"
)

// S3Archiver copies finished ARD artifacts into an S3 bucket keyed by
// sensor and scene.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds the archiver, or returns nil when no bucket is
// configured.
func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

// Archive uploads every regular file under the artifact path. Returns the
// S3 location prefix written to.
func (a *S3Archiver) Archive(ctx context.Context, sensorName, sceneID, artifactPath string) (string, error) {
	prefix := fmt.Sprintf("%s/%s", sensorName, sceneID)

	info, err := os.Stat(artifactPath)
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if !info.IsDir() {
		key := prefix + "/" + filepath.Base(artifactPath)
		if err := a.put(ctx, key, artifactPath); err != nil {
			return "", err
		}
		return fmt.Sprintf("s3://%s/%s", a.bucket, prefix), nil
	}

	err = filepath.Walk(artifactPath, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(artifactPath, path)
		if err != nil {
			return err
		}
		return a.put(ctx, prefix+"/"+filepath.ToSlash(rel), path)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, prefix), nil
}

func (a *S3Archiver) put(ctx context.Context, key, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
