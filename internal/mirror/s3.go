// Package mirror provides optional file sources that sit in front of the
// coordinator. An operator can pre-seed an S3 bucket with the cache layout
// ({prefix}/{hash[0:2]}/{hash}) so a fresh node fills its store without
// pulling every file through the coordinator.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/openbmclapi-cluster/internal/coordinator"
	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/pathutil"
	"github.com/keithlinneman/openbmclapi-cluster/internal/store"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// S3API is the subset of the S3 client the source uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// MissingError means the mirror does not hold the object. Retrying the
// same source will not help; the caller should fall through to the next.
type MissingError struct {
	Bucket string
	Key    string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("mirror: s3://%s/%s not found", e.Bucket, e.Key)
}

func (e *MissingError) Permanent() bool { return true }

type S3Options struct {
	Logger log.Logger

	Bucket string
	Prefix string

	// Client overrides the S3 client, mainly for tests
	Client S3API

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

type S3Source struct {
	opts   S3Options
	client S3API
	logger log.Logger
}

// NewS3Source creates an S3-backed source.
func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	prefix, err := pathutil.CleanPrefix(opts.Prefix)
	if err != nil {
		return nil, xerrors.Wrap(err, "invalid Prefix")
	}
	opts.Prefix = prefix

	client := opts.Client
	if client == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Source{
		opts:   opts,
		client: client,
		logger: opts.Logger.With("component", "mirror", "bucket", opts.Bucket),
	}, nil
}

// Name identifies the source in logs and metrics.
func (s *S3Source) Name() string { return "s3" }

// Key returns the object key for hash.
func (s *S3Source) Key(hash string) string {
	return pathutil.JoinKey(s.opts.Prefix, store.PathFor(hash))
}

// Open streams the object for e. The caller verifies the bytes.
func (s *S3Source) Open(ctx context.Context, e coordinator.Entry) (io.ReadCloser, error) {
	key := s.Key(e.Hash)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &MissingError{Bucket: s.opts.Bucket, Key: key}
		}
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.opts.Bucket, key)
	}
	if out.ContentLength != nil && e.Size > 0 && *out.ContentLength != e.Size {
		s.logger.Warn(ctx, "mirror object size differs from manifest",
			"key", key,
			"object_size", *out.ContentLength,
			"manifest_size", e.Size,
		)
	}
	return out.Body, nil
}
