// Package objectstore wraps an S3-compatible bucket holding uploaded media
// and rendered videos.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/screensplit/server/internal/config"
)

var ErrNotConfigured = errors.New("object storage is not configured")

// PresignedUpload is what a browser needs to PUT a file directly to the bucket.
type PresignedUpload struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type Store struct {
	client         *s3.Client
	presign        *s3.PresignClient
	bucket         string
	publicBaseURL  string
	uploadExpiry   time.Duration
	downloadExpiry time.Duration
}

// New builds a client from static credentials when provided and the default
// AWS credential chain otherwise.
func New(ctx context.Context, cfg appconfig.StorageConfig) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// Several S3-compatible stores reject the default flexible checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	uploadExpiry := cfg.UploadExpiry
	if uploadExpiry <= 0 {
		uploadExpiry = 15 * time.Minute
	}
	downloadExpiry := cfg.DownloadExpiry
	if downloadExpiry <= 0 {
		downloadExpiry = time.Hour
	}

	return &Store{
		client:         client,
		presign:        s3.NewPresignClient(client),
		bucket:         cfg.Bucket,
		publicBaseURL:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		uploadExpiry:   uploadExpiry,
		downloadExpiry: downloadExpiry,
	}, nil
}

// PresignPut signs a PUT for key. The content type and length are part of
// the signature, so the browser must send the returned headers unchanged.
func (s *Store) PresignPut(ctx context.Context, key, contentType string, size int64) (PresignedUpload, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}, s3.WithPresignExpires(s.uploadExpiry))
	if err != nil {
		return PresignedUpload{}, fmt.Errorf("presign put %s: %w", key, err)
	}

	return PresignedUpload{
		Key:       key,
		URL:       req.URL,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: time.Now().Add(s.uploadExpiry).UTC(),
	}, nil
}

// PresignGet signs a GET for key. A non-empty filename forces a download
// with that name.
func (s *Store) PresignGet(ctx context.Context, key, filename string) (string, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}

	req, err := s.presign.PresignGetObject(ctx, in, s3.WithPresignExpires(s.downloadExpiry))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return req.URL, nil
}

// PublicURL returns the CDN URL for key, or "" when no public base URL is set.
func (s *Store) PublicURL(key string) string {
	if s.publicBaseURL == "" {
		return ""
	}
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + "/" + strings.Join(segments, "/")
}

// MediaURL prefers the public URL and falls back to a presigned GET.
func (s *Store) MediaURL(ctx context.Context, key string) (string, error) {
	if u := s.PublicURL(key); u != "" {
		return u, nil
	}
	return s.PresignGet(ctx, key, "")
}

// Delete removes keys. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if key == "" {
			continue
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// DeletePrefix removes every object under prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys := make([]string, 0, len(page.Contents))
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if err := s.Delete(ctx, keys...); err != nil {
			return deleted, err
		}
		deleted += len(keys)
	}
	return deleted, nil
}

// Download streams the object into w.
func (s *Store) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", key, err)
	}
	return n, nil
}

// Upload writes body to key. body must be seekable so the request can be
// signed without buffering it in memory.
func (s *Store) Upload(ctx context.Context, key string, body io.ReadSeeker, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
