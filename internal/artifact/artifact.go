// Package artifact stores raw submission payloads (voice notes, document
// scans) for the collaborators to fetch, and sweeps them once the retention
// window lapses. Keys, not blobs, travel through the job record.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"seva-orchestrator/internal/config"
)

// Store is the artifact persistence surface.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// New chooses the backing store: S3 when a bucket is configured, the local
// directory otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArtifactBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Store{client: client, bucket: cfg.ArtifactBucket}, nil
	}
	return &LocalStore{BaseDir: cfg.ArtifactDir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactRegion),
	}
	if cfg.ArtifactEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactEndpoint,
					HostnameImmutable: cfg.ArtifactPathStyle,
					SigningRegion:     cfg.ArtifactRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactPathStyle
	}), nil
}

// S3Store keeps artifacts in an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// LocalStore keeps artifacts on the local filesystem.
type LocalStore struct {
	BaseDir string
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(l.BaseDir, sanitizeKey(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DownscaleDocument re-encodes a document image at most maxWidth pixels
// wide. Phone-camera scans routinely arrive at 4000px; the verifier only
// needs legible text. Non-image payloads pass through untouched.
func DownscaleDocument(body []byte, contentType string, maxWidth int) ([]byte, string) {
	if maxWidth <= 0 || !strings.HasPrefix(contentType, "image/") {
		return body, contentType
	}
	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return body, contentType
	}
	if img.Bounds().Dx() <= maxWidth {
		return body, contentType
	}
	img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)

	out := imaging.JPEG
	mime := "image/jpeg"
	if format == "png" {
		out = imaging.PNG
		mime = "image/png"
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, out, imaging.JPEGQuality(85)); err != nil {
		return body, contentType
	}
	return buf.Bytes(), mime
}

// sanitizeKey forces the key under the store root; "../" segments cannot
// escape it.
func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}
