// Package archive uploads finished run directories to S3 or an S3-compatible
// store.
package archive

import (
	"fmt"
	"strings"
)

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Config configures an Archiver.
//
// Credentials come from the AWS SDK v2 default chain (environment, shared
// files, instance roles) unless AccessKeyID and SecretAccessKey are both set.
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle.
type Config struct {
	// URI is the archive destination, e.g. s3://bucket/prefix/.
	URI string

	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if _, err := ParseURI(c.URI); err != nil {
		return err
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// Location is a parsed archive URI.
type Location struct {
	Bucket string
	Prefix string
}

// Key returns the object key for a path relative to the location prefix.
func (l Location) Key(parts ...string) string {
	segs := make([]string, 0, len(parts)+1)
	if p := strings.Trim(l.Prefix, "/"); p != "" {
		segs = append(segs, p)
	}
	for _, part := range parts {
		if p := strings.Trim(part, "/"); p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// String returns the location as an s3:// URI.
func (l Location) String() string {
	if l.Prefix == "" {
		return "s3://" + l.Bucket + "/"
	}
	return "s3://" + l.Bucket + "/" + l.Prefix
}

// ParseURI parses s3://bucket[/prefix]. The prefix keeps a trailing slash
// when present.
func ParseURI(uri string) (Location, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Location{}, &ConfigError{Field: "URI", Message: "archive uri is required"}
	}
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return Location{}, &ConfigError{Field: "URI", Message: fmt.Sprintf("unsupported scheme in %q (want s3://)", uri)}
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, &ConfigError{Field: "URI", Message: fmt.Sprintf("missing bucket in %q", uri)}
	}
	return Location{Bucket: bucket, Prefix: prefix}, nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only; custom
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
