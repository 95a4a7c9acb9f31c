// Package substituter runs the programs registered as substitutes for a
// store path: either a local executable (the exec-substituter backend) or a
// fetch from an S3-compatible bucket (the s3-substituter backend).
package substituter

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pathforge/castore"
)

// Program produces the contents of a store path without running its
// derivation. Implementations write the path's final bytes to destDir and
// return any log output they produced, mirroring how a forked substituter
// process's stdout/stderr would be captured.
type Program interface {
	Fetch(ctx context.Context, path castore.StorePath, destDir string, args []string) (log []string, err error)
}

// Resolve picks the Program implementation for a registered substitute
// program string: an "s3://bucket/prefix" URL selects the S3 backend,
// anything else is treated as a local executable path for the exec backend.
// client is only used when program selects the S3 backend.
func Resolve(program string, client *s3.Client) (Program, error) {
	if !strings.HasPrefix(program, "s3://") {
		return ExecProgram{Path: program}, nil
	}
	bucket, prefix, ok := parseS3URL(program)
	if !ok {
		return nil, castore.UsageError("substituter: malformed s3:// program "+program, program)
	}
	return S3Program{Client: client, Bucket: bucket, Prefix: prefix}, nil
}
