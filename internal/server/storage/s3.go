package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrijs2005/fieldcap/internal/common"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Options points the client at an S3-compatible endpoint (AWS or MinIO).
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a path-style client with static credentials.
func NewS3Client(ctx context.Context, o S3Options) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(o.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			o.AccessKey,
			o.SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	}), nil
}

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store is an ObjectStore over one bucket. Conditional writes map onto the
// If-Match / If-None-Match headers of PutObject.
type S3Store struct {
	api     s3API
	presign presignAPI
	bucket  string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{api: client, presign: s3.NewPresignClient(client), bucket: bucket}
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", classify("get", key, err, false)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w: %w", key, common.ErrStorageUnavailable, err)
	}
	return body, aws.ToString(out.ETag), nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	return s.PutConditional(ctx, key, body, contentType, Condition{})
}

func (s *S3Store) PutConditional(ctx context.Context, key string, body []byte, contentType string, cond Condition) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if cond.IfNoneMatch != "" {
		in.IfNoneMatch = aws.String(cond.IfNoneMatch)
	}
	if cond.IfMatch != "" {
		in.IfMatch = aws.String(cond.IfMatch)
	}

	out, err := s.api.PutObject(ctx, in)
	if err != nil {
		return "", classify("put", key, err, cond != Condition{})
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// classify maps SDK failures onto the common sentinels. Anything that is not
// a definite answer from the server counts as StorageUnavailable. Conflict
// and precondition answers only mean a lost race when the request carried a
// condition.
func classify(op, key string, err error, conditional bool) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%s %s: %w", op, key, common.ErrNotFound)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s %s: %w", op, key, common.ErrNotFound)
		case "PreconditionFailed", "ConditionalRequestConflict":
			if conditional {
				return fmt.Errorf("%s %s: %w", op, key, common.ErrPreconditionFailed)
			}
			return fmt.Errorf("%s %s: %w: %w", op, key, common.ErrStorageUnavailable, err)
		}
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch code := re.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, key, common.ErrNotFound)
		case code == http.StatusPreconditionFailed || code == http.StatusConflict:
			if conditional {
				return fmt.Errorf("%s %s: %w", op, key, common.ErrPreconditionFailed)
			}
			return fmt.Errorf("%s %s: %w: %w", op, key, common.ErrStorageUnavailable, err)
		case code >= 500 || code == http.StatusTooManyRequests:
			return fmt.Errorf("%s %s: %w: %w", op, key, common.ErrStorageUnavailable, err)
		}
		return fmt.Errorf("%s %s: %w", op, key, err)
	}

	return fmt.Errorf("%s %s: %w: %w", op, key, common.ErrStorageUnavailable, err)
}
