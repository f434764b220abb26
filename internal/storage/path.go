package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const s3Scheme = "s3://"

var executionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildOutputKey returns the object key of the CSV artifact an execution
// leaves under outputPath.
func BuildOutputKey(outputPath, executionID string) (string, error) {
	if !executionIDPattern.MatchString(executionID) {
		return "", fmt.Errorf("invalid execution id: %q", executionID)
	}
	outputPath = strings.Trim(strings.TrimSpace(outputPath), "/")
	if outputPath == "" {
		return executionID + ".csv", nil
	}
	return path.Join(outputPath, executionID+".csv"), nil
}

// ParseLocation splits an s3://bucket/key location.
func ParseLocation(location string) (bucket, key string, err error) {
	location = strings.TrimSpace(location)
	if !strings.HasPrefix(location, s3Scheme) {
		return "", "", fmt.Errorf("invalid output location %q: expected %s prefix", location, s3Scheme)
	}
	rest := strings.TrimPrefix(location, s3Scheme)
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid output location %q: bucket is required", location)
	}
	return bucket, strings.Trim(key, "/"), nil
}
