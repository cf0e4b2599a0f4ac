package storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage uploads archives to an S3 compatible bucket.
type S3Storage struct {
	client     *minio.Client
	endpoint   string
	bucketName string
	prefix     string
}

// NewS3Storage parses s3://access:secret@endpoint/bucket/prefix. Credentials
// missing from the URI are read from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
func NewS3Storage(u *url.URL) (*S3Storage, error) {
	if u.Host == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "missing S3 endpoint", "Use s3://access:secret@endpoint/bucket/prefix.")
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if bucket == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "missing S3 bucket", "Use s3://access:secret@endpoint/bucket/prefix.")
	}

	var creds *credentials.Credentials
	if u.User != nil {
		secret, _ := u.User.Password()
		creds = credentials.NewStaticV4(u.User.Username(), secret, "")
	} else {
		creds = credentials.NewStaticV4(os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN"))
	}

	q := u.Query()
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  creds,
		Secure: q.Get("ssl") != "false",
		Region: q.Get("region"),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid S3 target", "Check the endpoint in mirror.targets.")
	}

	return &S3Storage{
		client:     client,
		endpoint:   u.Host,
		bucketName: bucket,
		prefix:     prefix,
	}, nil
}

func (s *S3Storage) getObjectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Storage) Save(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	object := s.getObjectName(name)
	_, err := s.client.PutObject(ctx, s.bucketName, object, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "S3 upload failed", "Check credentials and that bucket "+s.bucketName+" exists.")
	}
	return "s3://" + s.bucketName + "/" + object, nil
}

func (s *S3Storage) Location() string {
	return "s3://" + s.endpoint + "/" + path.Join(s.bucketName, s.prefix)
}

func (s *S3Storage) Close() error { return nil }
