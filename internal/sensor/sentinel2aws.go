package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/remotesensinginfo/eodatadown/internal/models"
)

// sentinel2AWSOptions are the provider parameters for the Sentinel-2 open
// data bucket. Scene bundles live under Prefix, one object per scene, keyed
// as <prefix>/<scene_id>.zip.
type sentinel2AWSOptions struct {
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	PathStyle bool   `json:"path_style"`
}

// sentinel2AWS lists and fetches Sentinel-2 scene bundles from S3, using the
// object ETag as the integrity token.
type sentinel2AWS struct {
	name   string
	opts   sentinel2AWSOptions
	ard    ARDConfig
	client *s3.Client
}

func newSentinel2AWS(def Definition) (*sentinel2AWS, error) {
	var opts sentinel2AWSOptions
	if len(def.Options) > 0 {
		if err := json.Unmarshal(def.Options, &opts); err != nil {
			return nil, &models.ConfigurationError{Field: "sensors", Reason: fmt.Sprintf("sensor %s: %v", def.Name, err)}
		}
	}
	if opts.Bucket == "" {
		return nil, &models.ConfigurationError{Field: "sensors", Reason: fmt.Sprintf("sensor %s: bucket is required", def.Name)}
	}
	if opts.Region == "" {
		opts.Region = "eu-central-1"
	}

	client, err := newS3Client(context.Background(), opts)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "sensors", Reason: fmt.Sprintf("sensor %s: %v", def.Name, err)}
	}
	return &sentinel2AWS{name: def.Name, opts: opts, ard: def.ARD, client: client}, nil
}

func newS3Client(ctx context.Context, opts sentinel2AWSOptions) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	}), nil
}

func (s *sentinel2AWS) Name() string { return s.name }

func (s *sentinel2AWS) Query(ctx context.Context, window TimeWindow) ([]SceneDescriptor, error) {
	var descs []SceneDescriptor
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.opts.Bucket),
			Prefix:            aws.String(s.opts.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, s.classify("list objects", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".zip") {
				continue
			}
			acquired := aws.ToTime(obj.LastModified)
			if acquired.Before(window.Start) || acquired.After(window.End) {
				continue
			}
			sceneID := strings.TrimSuffix(strings.TrimPrefix(key, s.opts.Prefix), ".zip")
			sceneID = strings.Trim(sceneID, "/")
			descs = append(descs, SceneDescriptor{
				SceneID:    sceneID,
				AcquiredAt: acquired,
				Footprint:  footprintFromSceneID(sceneID),
				Source:     key,
				Size:       aws.ToInt64(obj.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return descs, nil
}

// footprintFromSceneID extracts the MGRS tile from a Sentinel-2 product name
// (the T##XXX token), which serves as the descriptive footprint.
func footprintFromSceneID(sceneID string) string {
	for _, part := range strings.Split(sceneID, "_") {
		if len(part) == 6 && part[0] == 'T' {
			return part
		}
	}
	return ""
}

func (s *sentinel2AWS) Download(ctx context.Context, desc SceneDescriptor, dest string) (IntegrityToken, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(desc.Source),
	})
	if err != nil {
		return IntegrityToken{}, s.classify("get object", err)
	}
	defer out.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return IntegrityToken{}, fmt.Errorf("create staging file: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(f, out.Body)
	if err != nil {
		return IntegrityToken{}, &models.TransientNetworkError{Op: "get object body", Err: err}
	}

	token := IntegrityToken{Size: written}
	if out.ContentLength != nil {
		token.Size = aws.ToInt64(out.ContentLength)
	}
	// Single-part ETags are MD5 digests; multipart ETags (with a dash) are
	// not, and verification falls back to the size check.
	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	if etag != "" && !strings.Contains(etag, "-") {
		token.MD5 = etag
	}
	return token, nil
}

func (s *sentinel2AWS) Process(localPath, outputPath, tmpDir string) (Invocation, error) {
	if s.ard.Program == "" {
		return Invocation{}, &models.ConfigurationError{Field: "sensors", Reason: fmt.Sprintf("sensor %s: ard.program is required", s.name)}
	}
	return s.ard.BuildInvocation(localPath, outputPath, tmpDir), nil
}

func (s *sentinel2AWS) classify(op string, err error) error {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return &models.AuthenticationError{Sensor: s.name, Err: err}
		}
	}
	return &models.TransientNetworkError{Op: op, Err: err}
}
