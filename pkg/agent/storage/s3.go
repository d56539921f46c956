package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// S3Adapter accesses an S3 bucket (or compatible object store) using
// credentials resolved either server-side or agent-side, per
// CredentialLocation.
type S3Adapter struct {
	client *s3.Client
}

// NewS3Adapter builds an S3Adapter from a decrypted credentials map
// with keys "aws_access_key_id", "aws_secret_access_key", and
// optionally "region" and "endpoint" (for S3-compatible stores).
func NewS3Adapter(creds map[string]string) (*S3Adapter, error) {
	region := creds["region"]
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds["aws_access_key_id"], creds["aws_secret_access_key"], "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := creds["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Adapter{client: client}, nil
}

// splitLocation turns "bucket-name/optional/prefix" into its bucket
// and prefix parts.
func splitLocation(location string) (bucket, prefix string) {
	location = strings.TrimPrefix(location, "/")
	parts := strings.SplitN(location, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix
}

func (a *S3Adapter) listObjects(ctx context.Context, location string) ([]s3.ListObjectsV2Output, string, string, error) {
	bucket, prefix := splitLocation(location)
	var pages []s3.ListObjectsV2Output

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, bucket, prefix, fmt.Errorf("storage: list %s: %w", location, err)
		}
		pages = append(pages, *page)
	}
	return pages, bucket, prefix, nil
}

// ListFiles lists every object key under location, relative to its
// prefix.
func (a *S3Adapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	pages, _, prefix, err := a.listObjects(ctx, location)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, page := range pages {
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			files = append(files, strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/"))
		}
	}
	return files, nil
}

// ListFilesWithMetadata lists every object under location with its
// size and last-modified timestamp.
func (a *S3Adapter) ListFilesWithMetadata(ctx context.Context, location string) ([]apis.FileInfo, error) {
	pages, _, prefix, err := a.listObjects(ctx, location)
	if err != nil {
		return nil, err
	}
	var files []apis.FileInfo
	for _, page := range pages {
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			lastModified := ""
			if obj.LastModified != nil {
				lastModified = obj.LastModified.UTC().Format(time.RFC3339)
			}
			files = append(files, apis.FileInfo{
				Path:         rel,
				Size:         aws.ToInt64(obj.Size),
				LastModified: lastModified,
			})
		}
	}
	return files, nil
}

// TestConnection issues a single ListBuckets call to validate
// credentials and connectivity without listing objects.
func (a *S3Adapter) TestConnection(ctx context.Context) (bool, string, error) {
	_, err := a.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return false, fmt.Sprintf("s3 connection failed: %v", err), nil
	}
	return true, "s3 connection successful", nil
}
