package substituter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pathforge/castore"
)

// S3Config configures the S3-compatible endpoint an S3Program fetches from.
type S3Config struct {
	// e.g. "http://127.0.0.1:9000" for a local MinIO instance. Empty uses AWS S3.
	HostEndpointURL string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Connect builds an S3 client for config, following the static-credentials,
// custom-endpoint connection pattern used for MinIO-compatible stores.
func Connect(config S3Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		if config.HostEndpointURL != "" {
			o.BaseEndpoint = aws.String(config.HostEndpointURL)
		}
		if config.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")
		}
	})
}

// S3Program fetches a store path's content from an S3 bucket, selected by a
// registered substitute program string of the form "s3://bucket/prefix".
type S3Program struct {
	Client       *s3.Client
	Bucket       string
	Prefix       string
}

// Fetch downloads Bucket/Prefix/<basename(path)> into destDir.
func (p S3Program) Fetch(ctx context.Context, path castore.StorePath, destDir string, args []string) ([]string, error) {
	key := filepath.Base(string(path))
	if p.Prefix != "" {
		key = strings.TrimSuffix(p.Prefix, "/") + "/" + key
	}

	result, err := p.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, castore.SubstError(path, fmt.Errorf("s3 substituter: fetching s3://%s/%s: %w", p.Bucket, key, err))
	}
	defer result.Body.Close()

	dest := filepath.Join(destDir, filepath.Base(string(path)))
	f, err := os.Create(dest)
	if err != nil {
		return nil, castore.SysError("s3 substituter: creating "+dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, result.Body); err != nil {
		return nil, castore.SubstError(path, fmt.Errorf("s3 substituter: writing %s: %w", dest, err))
	}

	return []string{fmt.Sprintf("fetched s3://%s/%s", p.Bucket, key)}, nil
}

func parseS3URL(url string) (bucket, prefix string, ok bool) {
	if !strings.HasPrefix(url, "s3://") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "s3://")
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if bucket == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, true
}
