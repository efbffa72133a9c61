package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/gtxd/internal/storage"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	Insecure      bool
	ServerSideEnc string
	KMSKeyID      string
	// PollInterval paces SubscribeChanges. Zero uses storage.DefaultPollInterval.
	PollInterval time.Duration
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
	keys   storage.Keyspace
}

const awsOpTimeout = time.Minute

// New constructs a Store using the default AWS credential chain.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	keys := storage.NewKeyspace(cfg.Prefix)
	cfg.Prefix = keys.Prefix()

	httpClient := &http.Client{Transport: storage.DefaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &Store{client: client, cfg: cfg, keys: keys}, nil
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

var _ storage.ChangeFeed = (*Store)(nil)

// SubscribeChanges implements storage.ChangeFeed by polling prefix.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	return storage.PollChanges(s, prefix, s.cfg.PollInterval), nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListObjects enumerates objects under opts.Prefix using ListObjectsV2.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := storage.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	root := s.keys.Root()
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			logger.Debug("aws.list_objects.error", "prefix", opts.Prefix, "error", err)
			return nil, wrapError(err, "aws: list objects")
		}
		for _, object := range page.Contents {
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				logger.Trace("aws.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", true, "elapsed", time.Since(start))
				return result, nil
			}
			logical, ok := s.keys.Logical(aws.ToString(object.Key))
			if !ok {
				continue
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          logical,
				ETag:         storage.StripETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
		}
	}
	logger.Trace("aws.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "elapsed", time.Since(start))
	return result, nil
}

// GetObject downloads key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := storage.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	object := s.keys.Object(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "aws: get object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.StripETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	return storage.GetObjectResult{Reader: &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, Info: info}, nil
}

// PutObject uploads key using If-Match / If-None-Match guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := storage.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.keys.Object(key)
	contentType := storage.DocumentContentType(opts.ContentType)
	payload, err := storage.ReadDocument(body)
	if err != nil {
		return nil, fmt.Errorf("aws: read payload: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(contentType),
	}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	} else if opts.IfNotExists {
		input.IfNoneMatch = aws.String("*")
	}
	applySSE(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			logger.Debug("aws.put_object.cas_mismatch", "key", key, "object", object, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		logger.Debug("aws.put_object.put_error", "key", key, "object", object, "error", err)
		return nil, wrapError(err, "aws: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.StripETag(aws.ToString(out.ETag)),
		Size:         int64(len(payload)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes key with optional CAS.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := storage.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.keys.Object(key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "aws: head object")
	}
	if opts.ExpectedETag != "" && storage.StripETag(aws.ToString(head.ETag)) != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		switch {
		case isNotFound(err):
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		logger.Debug("aws.delete_object.remove_error", "key", key, "object", object, "error", err)
		return wrapError(err, "aws: delete object")
	}
	return nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func applySSE(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}

func wrapError(err error, msg string) error {
	return storage.WrapRemote(err, msg, httpStatusCode)
}

func isRetryable(err error) bool {
	return storage.IsRetryable(err, httpStatusCode)
}

func httpStatusCode(err error) (int, bool) {
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && (status == http.StatusPreconditionFailed || status == http.StatusConflict)
}
