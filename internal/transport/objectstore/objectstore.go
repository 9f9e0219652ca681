// Package objectstore delivers envelopes as S3 objects. Object keys are
// derived from the idempotency key, so a retried put overwrites the same
// object.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"courier/internal/delivery"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// API is the subset of the S3 client used here.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config for the S3 sink.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // custom endpoint, e.g. MinIO
	PathStyle bool
}

// NewClient builds an S3 client from the default credential chain.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Transport writes each envelope's payload to the bucket.
type Transport struct {
	client API
	cfg    Config
}

// New creates an S3 transport.
func New(client API, cfg Config) (*Transport, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	return &Transport{client: client, cfg: cfg}, nil
}

// Key returns the object key for env: <prefix>/<resource>/<idempotencyKey>.json.
func (t *Transport) Key(env delivery.Envelope) string {
	return path.Join(strings.Trim(t.cfg.Prefix, "/"), sanitize(env.ResourceKey), sanitize(env.IdempotencyKey)+".json")
}

// Send implements delivery.Transport.
func (t *Transport) Send(ctx context.Context, env delivery.Envelope) (delivery.Result, error) {
	key := t.Key(env)
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(env.Payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"idempotency-key": env.IdempotencyKey,
			"queue":           env.Queue,
		},
	})
	if err == nil {
		return delivery.Result{}, nil
	}

	err = fmt.Errorf("put object %s: %w", key, err)
	if permanent(err) {
		return delivery.Result{}, delivery.Permanent(err)
	}
	return delivery.Result{}, err
}

// permanent reports client errors other than timeouts and throttling.
func permanent(err error) bool {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return false
	}
	code := re.HTTPStatusCode()
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

// sanitize keeps keys from escaping their directory.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

var _ delivery.Transport = (*Transport)(nil)
