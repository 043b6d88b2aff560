package clients

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/PCThomas7/video-transcoder/config"
	xerrors "github.com/PCThomas7/video-transcoder/errors"
	"github.com/PCThomas7/video-transcoder/metrics"
)

const PresignDuration = 24 * time.Hour

// ObjectStore is a thin wrapper over an S3-compatible bucket. Stat and each
// file put of UploadTree carry a per-call deadline; the other operations are
// bounded only by the caller's context. Download, UploadTree and Put with a
// rewindable body retry transient failures with exponential backoff; the
// other operations make a single attempt. Auth failures surface immediately
// as unretriable.
type ObjectStore struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
}

type ObjectStoreConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	ForcePathStyle bool
	UseSSL         bool
}

type ObjectInfo struct {
	Key  string
	Size int64
}

func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	lookup := minio.BucketLookupDNS
	if cfg.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, timeout: config.ObjectStoreTimeout}, nil
}

// Put streams body into the bucket under key. Size may be -1 when unknown.
// Retries only happen when the body can be rewound; an arbitrary stream is
// finite and non-restartable.
func (o *ObjectStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	seeker, restartable := body.(io.Seeker)
	attempt := func() error {
		_, err := o.client.PutObject(ctx, o.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
		return classify(err)
	}
	if !restartable {
		start := time.Now()
		if err := attempt(); err != nil {
			metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues("write", o.bucket).Inc()
			return err
		}
		metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues("write", o.bucket).Observe(time.Since(start).Seconds())
		return nil
	}
	return o.retried(ctx, "write", func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return xerrors.Unretriable(err)
		}
		return attempt()
	})
}

// GetStream returns a lazy byte stream for key together with its size and
// content type. The reader is finite and non-restartable; callers own Close.
func (o *ObjectStore) GetStream(ctx context.Context, key string) (io.ReadCloser, int64, string, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, "", classify(err)
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, "", classify(err)
	}
	return obj, stat.Size, stat.ContentType, nil
}

// GetRange is GetStream restricted to the byte range [start, end], both
// inclusive. Pass start < 0 to read the whole object.
func (o *ObjectStore) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if start >= 0 {
		if err := opts.SetRange(start, end); err != nil {
			return nil, xerrors.Unretriable(err)
		}
	}
	obj, err := o.client.GetObject(ctx, o.bucket, key, opts)
	if err != nil {
		return nil, classify(err)
	}
	return obj, nil
}

// Stat returns object metadata without reading the body.
func (o *ObjectStore) Stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	stat, err := o.client.StatObject(ctx, o.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return minio.ObjectInfo{}, classify(err)
	}
	return stat, nil
}

// Download buffers the object to localPath, writing to a temp file in the
// same directory and renaming on completion so partial downloads never
// appear under the final name.
func (o *ObjectStore) Download(ctx context.Context, key, localPath string) error {
	return o.retried(ctx, "read", func() error {
		obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return classify(err)
		}
		defer obj.Close()

		tmp, err := os.CreateTemp(filepath.Dir(localPath), filepath.Base(localPath)+".part")
		if err != nil {
			return xerrors.Unretriable(err)
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, obj); err != nil {
			tmp.Close()
			return classify(err)
		}
		if err := tmp.Close(); err != nil {
			return xerrors.Unretriable(err)
		}
		return os.Rename(tmp.Name(), localPath)
	})
}

// UploadTree walks localDir and uploads every file below it under keyPrefix,
// inferring content types from file extensions.
func (o *ObjectStore) UploadTree(ctx context.Context, localDir, keyPrefix string) error {
	return filepath.Walk(localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		key := path.Join(keyPrefix, filepath.ToSlash(rel))

		return o.retried(ctx, "write", func() error {
			f, err := os.Open(p)
			if err != nil {
				return xerrors.Unretriable(err)
			}
			defer f.Close()

			ctx, cancel := context.WithTimeout(ctx, o.timeout)
			defer cancel()
			_, err = o.client.PutObject(ctx, o.bucket, key, f, info.Size(), minio.PutObjectOptions{
				ContentType: ContentTypeByExtension(p),
			})
			return classify(err)
		})
	})
}

// List returns the keys and sizes below prefix.
func (o *ObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classify(obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

// PresignGet returns a signed URL for temporary read access to key.
func (o *ObjectStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := o.client.PresignedGetObject(ctx, o.bucket, key, ttl, nil)
	if err != nil {
		return "", classify(err)
	}
	return u.String(), nil
}

func (o *ObjectStore) Bucket() string {
	return o.bucket
}

func (o *ObjectStore) retried(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := backoff.Retry(func() error {
		err := fn()
		if err != nil && xerrors.IsUnretriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newObjectStoreBackOff(), ctx))
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(operation, o.bucket).Inc()
		return err
	}
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(operation, o.bucket).Observe(time.Since(start).Seconds())
	return nil
}

// 250ms -> 1s -> 4s, three attempts in total
func newObjectStoreBackOff() backoff.BackOff {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 250 * time.Millisecond
	backOff.Multiplier = 4
	backOff.MaxInterval = 4 * time.Second
	backOff.MaxElapsedTime = 0
	backOff.Reset()
	return backoff.WithMaxRetries(backOff, 2)
}

// classify maps S3 error responses onto our taxonomy: missing objects are
// not found (unretriable), credential failures are unretriable, everything
// else is assumed transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return xerrors.NewObjectNotFoundError("not found in object store", err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return xerrors.Unretriable(fmt.Errorf("object store auth error: %w", err))
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return xerrors.Unretriable(err)
	}
	return err
}

// IsNotFound reports whether err means the requested object does not exist.
func IsNotFound(err error) bool {
	return xerrors.IsObjectNotFound(err)
}

// ContentTypeByExtension infers the upload content type for HLS artifacts.
func ContentTypeByExtension(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/MP2T"
	}
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
