// Package archive uploads the artifacts of finished training runs to S3 or
// S3-compatible object storage.
package archive

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Config configures the archiver and its S3 client.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set:
//  1. Explicit AccessKeyID/SecretAccessKey
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials and config files, optionally with Profile
//  4. Instance or task roles
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle.
type Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every key: <prefix>/<runId>/<relative path>.
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when neither
	// config nor environment resolve one. No default is applied with Endpoint.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile selects a shared config profile.
	Profile string

	// AccessKeyID and SecretAccessKey must be set together.
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// Include patterns select files by slash-separated path relative to the
	// run directory. Default: ["**"].
	Include []string

	// Exclude patterns drop files that matched an include.
	Exclude []string

	// RateLimit caps uploads per second. Zero means unlimited.
	RateLimit float64
}

// DefaultAWSRegion is the fallback region for AWS S3.
const DefaultAWSRegion = "us-east-1"

// DefaultInclude matches every file in a run directory.
var DefaultInclude = []string{"**"}

// Validate checks that required configuration is present and that patterns
// compile.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.RateLimit < 0 {
		return &ConfigError{Field: "RateLimit", Message: "must not be negative"}
	}
	for _, p := range append(append([]string{}, c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
	}
	return nil
}

func (c Config) includes() []string {
	if len(c.Include) == 0 {
		return DefaultInclude
	}
	return c.Include
}

// objectKey joins the prefix, run identifier and relative path.
func (c Config) objectKey(runID, rel string) string {
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return runID + "/" + rel
	}
	return prefix + "/" + runID + "/" + rel
}
