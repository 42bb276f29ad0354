// Package snapshot publishes the inbox database snapshot to S3-compatible
// storage so cold clients can bootstrap without hitting the API. With no
// bucket configured the NoopUploader keeps the server local-only.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/vigil/internal/config"
)

const (
	// DefaultNamespace prefixes object keys when the caller has no better name.
	DefaultNamespace = "vigil"

	// DownloadName is the file name clients see, matching GET /api/v1/snapshot.
	DownloadName = "vigil-snapshot.db"

	contentType = "application/vnd.sqlite3"

	defaultURLExpiry = 15 * time.Minute
	// S3 rejects pre-signed URLs valid for longer than a week.
	maxURLExpiry = 7 * 24 * time.Hour
)

var (
	// ErrNotConfigured is returned when no bucket is configured.
	ErrNotConfigured = errors.New("snapshot storage not configured")

	// ErrExpiryTooLong rejects a url_expiry S3 would refuse to sign.
	ErrExpiryTooLong = errors.New("snapshot url expiry exceeds 7 days")
)

// Uploader publishes snapshots and signs download links for them.
type Uploader interface {
	// Upload stores the snapshot file under namespace.
	Upload(ctx context.Context, namespace string, filePath string) error

	// PresignedURL returns a time-limited GET link for namespace's snapshot.
	PresignedURL(ctx context.Context, namespace string) (url string, expiry time.Time, err error)
}

// objectStore is the subset of *minio.Client the uploader calls.
type objectStore interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error)
}

// S3Uploader writes snapshots to one bucket.
type S3Uploader struct {
	client    objectStore
	bucket    string
	urlExpiry time.Duration
	now       func() time.Time
}

func (u *S3Uploader) Upload(ctx context.Context, namespace string, filePath string) error {
	key := objectKey(namespace)
	_, err := u.client.FPutObject(ctx, u.bucket, key, filePath, minio.PutObjectOptions{
		ContentType:        contentType,
		ContentDisposition: attachment(),
	})
	if err != nil {
		return fmt.Errorf("upload snapshot to s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

// PresignedURL signs a GET for the current snapshot. The link forces a
// download under DownloadName whatever the object metadata says.
func (u *S3Uploader) PresignedURL(ctx context.Context, namespace string) (string, time.Time, error) {
	params := url.Values{}
	params.Set("response-content-disposition", attachment())

	issued := u.now()
	signed, err := u.client.PresignedGetObject(ctx, u.bucket, objectKey(namespace), u.urlExpiry, params)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign snapshot url: %w", err)
	}
	return signed.String(), issued.Add(u.urlExpiry), nil
}

// NoopUploader stands in when storage is not configured.
type NoopUploader struct{}

func (NoopUploader) Upload(context.Context, string, string) error { return nil }

func (NoopUploader) PresignedURL(context.Context, string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader returns NoopUploader when cfg has no bucket and an S3Uploader
// otherwise. A zero url_expiry means fifteen minutes.
func NewUploader(cfg config.SnapshotStorageConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}

	expiry := time.Duration(cfg.URLExpiry)
	switch {
	case expiry <= 0:
		expiry = defaultURLExpiry
	case expiry > maxURLExpiry:
		return nil, fmt.Errorf("%w: %s", ErrExpiryTooLong, expiry)
	}

	secure := true
	if cfg.UseSSL != nil {
		secure = *cfg.UseSSL
	}
	host, secure := endpointHost(cfg.Endpoint, secure)

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client for %s: %w", host, err)
	}

	return &S3Uploader{
		client:    client,
		bucket:    cfg.Bucket,
		urlExpiry: expiry,
		now:       time.Now,
	}, nil
}

// endpointHost strips an http:// or https:// prefix, which minio refuses.
// An explicit scheme wins over the use_ssl setting.
func endpointHost(endpoint string, secure bool) (string, bool) {
	if host, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return strings.TrimSuffix(host, "/"), true
	}
	if host, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return strings.TrimSuffix(host, "/"), false
	}
	return strings.TrimSuffix(endpoint, "/"), secure
}

// objectKey is {namespace}/snapshot/inbox.db.
func objectKey(namespace string) string {
	namespace = strings.Trim(namespace, "/")
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/snapshot/inbox.db"
}

func attachment() string {
	return `attachment; filename="` + DownloadName + `"`
}
