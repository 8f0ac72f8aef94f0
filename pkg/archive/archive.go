package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// Putter is the subset of the S3 client used for archiving.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ Putter = (*s3.Client)(nil)

// Archiver uploads run directories under a fixed bucket and prefix.
type Archiver struct {
	client Putter
	loc    Location
	logger *zap.Logger
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClient replaces the S3 client. No AWS configuration is loaded when a
// client is supplied.
func WithClient(c Putter) Option {
	return func(a *Archiver) {
		a.client = c
	}
}

// Result summarizes one ArchiveRun call.
type Result struct {
	Location string
	Objects  int
	Bytes    int64
}

// New creates an Archiver for cfg.URI.
func New(ctx context.Context, cfg Config, opts ...Option) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, _ := ParseURI(cfg.URI)

	a := &Archiver{loc: loc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	if a.client != nil {
		return a, nil
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	a.client = s3.NewFromConfig(awsCfg, s3Opts...)
	return a, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Credentials resolves the AWS credentials New would use for cfg.
func Credentials(ctx context.Context, cfg Config) (aws.Credentials, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return aws.Credentials{}, classify(err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return creds, nil
}

// Location returns the archive destination.
func (a *Archiver) Location() Location {
	return a.loc
}

// ArchiveRun uploads every regular file under dir to <prefix>/<runID>/<rel>.
// Temporary files left by atomic writes are skipped. The first failed upload
// stops the walk.
func (a *Archiver) ArchiveRun(ctx context.Context, dir, runID string) (Result, error) {
	if strings.TrimSpace(runID) == "" {
		return Result{}, fmt.Errorf("run id is required")
	}
	res := Result{Location: "s3://" + a.loc.Bucket + "/" + a.loc.Key(runID) + "/"}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := a.loc.Key(runID, filepath.ToSlash(rel))

		n, err := a.put(ctx, path, key)
		if err != nil {
			return err
		}
		res.Objects++
		res.Bytes += n
		a.logger.Debug("archived file", zap.String("key", key), zap.Int64("bytes", n))
		return nil
	})
	if err != nil {
		return res, err
	}

	a.logger.Info("archived run",
		zap.String("run_id", runID),
		zap.String("location", res.Location),
		zap.Int("objects", res.Objects),
		zap.Int64("bytes", res.Bytes),
	)
	return res, nil
}

func (a *Archiver) put(ctx context.Context, path, key string) (int64, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from walking the run directory
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.loc.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(path)),
	})
	if err != nil {
		return 0, &UploadError{Bucket: a.loc.Bucket, Key: key, Err: classify(err)}
	}
	return size, nil
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".log":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
