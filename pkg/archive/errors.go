package archive

import (
	"errors"
	"fmt"
)

// Sentinel errors for upload failures, classified from the storage response.
var (
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrThrottled           = errors.New("request throttled")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrInvalidPattern      = errors.New("invalid glob pattern")
	ErrRunDirectoryMissing = errors.New("run directory does not exist")
)

// UploadError wraps a failed storage call with the object it concerned.
type UploadError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("s3 %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("s3 %s: %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// ConfigError represents an archive configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}

// PatternError reports an include or exclude pattern that does not compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrStorageUnavailable)
}
