package keystore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
)

// S3Store implements a key store on Amazon S3 or compatible object storage.
// Material maps to one object per name under a per-kind prefix.
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates an S3 key store. If accessKey and secretKey are empty
// the default AWS credential chain is used.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region),
	}, nil
}

// Fetch retrieves material by name and kind. Returns ErrKeyNotFound if the
// object doesn't exist.
func (s *S3Store) Fetch(ctx context.Context, name naming.HRN, kind interfaces.KeyKind) ([]byte, error) {
	key := s.objectKey(name, kind)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, interfaces.ErrKeyNotFound
		}
		s.log.Error("Failed to get object from S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err)
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Store saves material under a name and kind.
func (s *S3Store) Store(ctx context.Context, name naming.HRN, kind interfaces.KeyKind, data []byte) error {
	key := s.objectKey(name, kind)

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.log.Error("Failed to put object to S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err)
		return fmt.Errorf("failed to put object to S3: %w", err)
	}

	s.log.Debug("Stored key material in S3",
		slog.String("name", name.String()),
		slog.String("kind", kind.String()))
	return nil
}

// List returns the names present under a kind.
func (s *S3Store) List(ctx context.Context, kind interfaces.KeyKind) ([]naming.HRN, error) {
	prefix := s.objectKey("", kind) + "/"
	// objectKey with an empty name leaves a trailing separator artifact
	prefix = strings.ReplaceAll(prefix, "//", "/")

	var names []naming.HRN
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			base := path.Base(aws.StringValue(obj.Key))
			hrn, err := naming.ParseHRN(base)
			if err != nil {
				s.log.Warn("Skipping non-HRN object in S3", slog.String("key", aws.StringValue(obj.Key)))
				continue
			}
			names = append(names, hrn)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return names, nil
}

// Available checks that the bucket is accessible.
func (s *S3Store) Available(ctx context.Context) bool {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	if err != nil {
		s.log.Debug("S3 key store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

// LocationURI returns the URI that identifies this store.
func (s *S3Store) LocationURI() string {
	return s.locationURI
}

// objectKey maps a name and kind to an object key.
func (s *S3Store) objectKey(name naming.HRN, kind interfaces.KeyKind) string {
	if s.prefix == "" {
		return path.Join(kind.String(), name.String())
	}
	return path.Join(s.prefix, kind.String(), name.String())
}
