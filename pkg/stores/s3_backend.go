package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"

	"github.com/openfroyo/regionctl/pkg/engine"
)

const (
	versionMetadataKey = "version"
	stateSuffix        = ".tfstate"
	lockSuffix         = ".lock"

	// maxLockAttempts bounds the create/reclaim race on a lock object.
	maxLockAttempts = 3
)

// S3Config configures an S3-compatible state backend.
type S3Config struct {
	Bucket       string `yaml:"bucket" json:"bucket" validate:"required"`
	Prefix       string `yaml:"prefix" json:"prefix"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	Region       string `yaml:"region" json:"region"`
	AccessKey    string `yaml:"access_key" json:"-"`
	SecretKey    string `yaml:"secret_key" json:"-"`
	UsePathStyle bool   `yaml:"use_path_style" json:"use_path_style"`
}

// S3Backend keeps state blobs and leases as objects in a bucket. Version
// checks and lock ownership rely on conditional writes (If-Match and
// If-None-Match), so the bucket provider must support them.
type S3Backend struct {
	s3     *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

type lockRecord struct {
	Token     string    `json:"token"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewS3Backend creates a state backend for an S3-compatible bucket.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Backend(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Backend(client *s3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{
		s3:     client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

func (b *S3Backend) objectKey(key, suffix string) string {
	return path.Join(b.prefix, key) + suffix
}

// Read returns the state blob and version of a partition.
func (b *S3Backend) Read(ctx context.Context, key string) (engine.StateBlob, int64, error) {
	result, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key, stateSuffix)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read state body: %w", err)
	}

	version, err := parseVersion(result.Metadata)
	if err != nil {
		return nil, 0, fmt.Errorf("state %s: %w", key, err)
	}

	return engine.StateBlob(data), version, nil
}

// Write stores a blob if the partition is still at expectedVersion.
func (b *S3Backend) Write(ctx context.Context, key string, blob engine.StateBlob, expectedVersion int64) (int64, error) {
	objectKey := b.objectKey(key, stateSuffix)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(int64(len(blob))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			versionMetadataKey: strconv.FormatInt(expectedVersion+1, 10),
		},
	}

	if expectedVersion == 0 {
		input.IfNoneMatch = aws.String("*")
	} else {
		head, err := b.s3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isNotFoundError(err) {
				return 0, versionConflict(key, expectedVersion)
			}
			return 0, fmt.Errorf("failed to stat state %s: %w", key, err)
		}
		current, err := parseVersion(head.Metadata)
		if err != nil {
			return 0, fmt.Errorf("state %s: %w", key, err)
		}
		if current != expectedVersion {
			return 0, versionConflict(key, expectedVersion)
		}
		input.IfMatch = head.ETag
	}

	if _, err := b.s3.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return 0, versionConflict(key, expectedVersion)
		}
		return 0, fmt.Errorf("failed to write state %s: %w", key, err)
	}

	return expectedVersion + 1, nil
}

// AcquireLock creates the lock object, reclaiming it when the previous
// lease has expired.
func (b *S3Backend) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (engine.LockToken, error) {
	token := engine.LockToken(uuid.New().String())

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		rec := lockRecord{Token: string(token), Holder: holder, ExpiresAt: b.now().Add(ttl).UTC()}

		err := b.putLock(ctx, key, rec, nil)
		if err == nil {
			return token, nil
		}
		if !isPreconditionFailed(err) {
			return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}

		current, etag, err := b.getLock(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to inspect lock %s: %w", key, err)
		}
		if current == nil {
			// Released between our create and read.
			continue
		}
		if b.now().Before(current.ExpiresAt) {
			return "", engine.NewConcurrencyError(engine.ErrCodeAlreadyLocked, fmt.Sprintf("partition %s is locked", key), nil).
				WithDetail("key", key).
				WithDetail("holder", current.Holder).
				WithDetail("expires_at", current.ExpiresAt)
		}

		err = b.putLock(ctx, key, rec, etag)
		if err == nil {
			return token, nil
		}
		if !isPreconditionFailed(err) {
			return "", fmt.Errorf("failed to reclaim lock %s: %w", key, err)
		}
	}

	return "", engine.NewConcurrencyError(engine.ErrCodeAlreadyLocked,
		fmt.Sprintf("partition %s is contended", key), nil).WithDetail("key", key)
}

// RenewLock extends a lease still held by token.
func (b *S3Backend) RenewLock(ctx context.Context, key string, token engine.LockToken, ttl time.Duration) error {
	current, etag, err := b.getLock(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to inspect lock %s: %w", key, err)
	}
	if current == nil || current.Token != string(token) {
		return invalidToken(key)
	}

	current.ExpiresAt = b.now().Add(ttl).UTC()
	if err := b.putLock(ctx, key, *current, etag); err != nil {
		if isPreconditionFailed(err) {
			return invalidToken(key)
		}
		return fmt.Errorf("failed to renew lock %s: %w", key, err)
	}
	return nil
}

// ReleaseLock deletes the lock object if token still holds it.
func (b *S3Backend) ReleaseLock(ctx context.Context, key string, token engine.LockToken) error {
	current, etag, err := b.getLock(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to inspect lock %s: %w", key, err)
	}
	if current == nil || current.Token != string(token) {
		return invalidToken(key)
	}

	_, err = b.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(b.bucket),
		Key:     aws.String(b.objectKey(key, lockSuffix)),
		IfMatch: etag,
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return invalidToken(key)
		}
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Lease returns the live lease on a partition, or nil.
func (b *S3Backend) Lease(ctx context.Context, key string) (*engine.Lease, error) {
	current, _, err := b.getLock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", key, err)
	}
	if current == nil || !b.now().Before(current.ExpiresAt) {
		return nil, nil
	}

	return &engine.Lease{
		Key:       key,
		Token:     engine.LockToken(current.Token),
		Holder:    current.Holder,
		ExpiresAt: current.ExpiresAt,
	}, nil
}

// HealthCheck verifies the bucket is reachable.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", b.bucket, err)
	}
	return nil
}

// putLock writes the lock object. A nil etag creates it only if absent.
func (b *S3Backend) putLock(ctx context.Context, key string, rec lockRecord, etag *string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key, lockSuffix)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	}
	if etag == nil {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = etag
	}

	_, err = b.s3.PutObject(ctx, input)
	return err
}

// getLock returns the lock record and its ETag, or nil if there is none.
func (b *S3Backend) getLock(ctx context.Context, key string) (*lockRecord, *string, error) {
	result, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key, lockSuffix)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer result.Body.Close()

	var rec lockRecord
	if err := json.NewDecoder(result.Body).Decode(&rec); err != nil {
		return nil, nil, fmt.Errorf("failed to decode lock: %w", err)
	}
	return &rec, result.ETag, nil
}

func parseVersion(metadata map[string]string) (int64, error) {
	raw, ok := metadata[versionMetadataKey]
	if !ok {
		return 0, fmt.Errorf("missing %s metadata", versionMetadataKey)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s metadata %q: %w", versionMetadataKey, raw, err)
	}
	return version, nil
}

func versionConflict(key string, expected int64) error {
	return engine.NewConcurrencyError(engine.ErrCodeVersionConflict,
		fmt.Sprintf("state %s is not at version %d", key, expected), nil).
		WithDetail("key", key)
}

func invalidToken(key string) error {
	return engine.NewConcurrencyError(engine.ErrCodeInvalidToken,
		fmt.Sprintf("token does not hold the lease on %s", key), nil).
		WithDetail("key", key)
}

// isNotFoundError checks if the error is a missing key or object.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	// Check for typed S3 errors first
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	// Fall back to API error code checking for S3-compatible services
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}

	return false
}

// isPreconditionFailed checks if a conditional request lost its race.
func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "PreconditionFailed" || code == "ConditionalRequestConflict" {
			return true
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}

	return false
}
