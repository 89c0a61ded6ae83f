package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the class of storage errors.
	Error = errs.Class("storage")
	// ErrNotFound is returned when the content does not exist on a backend.
	ErrNotFound = errs.Class("content not found")
	// ErrTransient marks failures worth retrying (throttling, 5xx, network).
	ErrTransient = errs.Class("transient storage failure")
	// ErrUnknownStorage is returned for a storage key with no configured backend.
	ErrUnknownStorage = errs.Class("unknown storage")
)

// Backend is one configured storage location
type Backend struct {
	Key    string
	Bucket string
	Client Client
}

// CopyConfig controls how content is transferred between backends
type CopyConfig struct {
	MultipartThreshold int64
	PartSize           int64
	SkipExisting       bool
}

// CopyResult describes a finished copy
type CopyResult struct {
	Size    int64
	Skipped bool
}

// Router resolves storage keys to backends and moves content between them.
// Content is addressed by its sha256 digest.
type Router struct {
	backends   map[string]*Backend
	defaultKey string
	config     CopyConfig
	logger     *zap.Logger
}

// NewRouter creates a router. defaultKey names the backend used when a
// task leaves its source storage key empty.
func NewRouter(backends []*Backend, defaultKey string, config CopyConfig, logger *zap.Logger) (*Router, error) {
	r := &Router{
		backends:   make(map[string]*Backend, len(backends)),
		defaultKey: defaultKey,
		config:     config,
		logger:     logger,
	}
	for _, b := range backends {
		if _, ok := r.backends[b.Key]; ok {
			return nil, Error.New("duplicate storage key %q", b.Key)
		}
		r.backends[b.Key] = b
	}
	if defaultKey != "" {
		if _, ok := r.backends[defaultKey]; !ok {
			return nil, ErrUnknownStorage.New("default %q", defaultKey)
		}
	}
	if r.config.PartSize <= 0 {
		r.config.PartSize = 64 * 1024 * 1024
	}
	if r.config.MultipartThreshold <= 0 {
		r.config.MultipartThreshold = 100 * 1024 * 1024
	}
	return r, nil
}

// ObjectKey returns the object key of content with the given digest
func ObjectKey(sha256 string) string {
	if len(sha256) < 4 {
		return sha256
	}
	return sha256[0:2] + "/" + sha256[2:4] + "/" + sha256
}

func (r *Router) resolve(key string) (*Backend, error) {
	if key == "" {
		key = r.defaultKey
	}
	b, ok := r.backends[key]
	if !ok {
		return nil, ErrUnknownStorage.New("%q", key)
	}
	return b, nil
}

// Exists reports whether content is present on a backend
func (r *Router) Exists(ctx context.Context, sha256, key string) (bool, error) {
	b, err := r.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = b.Client.HeadObject(ctx, b.Bucket, ObjectKey(sha256))
	if ErrNotFound.Has(err) {
		return false, nil
	}
	return err == nil, err
}

// Copy transfers content from the source backend to the destination backend.
// It fails with ErrNotFound when the source does not hold the content. A
// destination object whose size does not match the source after upload is
// removed again.
func (r *Router) Copy(ctx context.Context, sha256, srcKey, dstKey string) (CopyResult, error) {
	src, err := r.resolve(srcKey)
	if err != nil {
		return CopyResult{}, err
	}
	dst, err := r.resolve(dstKey)
	if err != nil {
		return CopyResult{}, err
	}
	objectKey := ObjectKey(sha256)

	info, err := src.Client.HeadObject(ctx, src.Bucket, objectKey)
	if err != nil {
		return CopyResult{}, err
	}

	if r.config.SkipExisting && r.existsWithSize(ctx, dst, objectKey, info.Size) {
		r.logger.Debug("Skipping existing content",
			zap.String("sha256", sha256),
			zap.String("dst_storage", dst.Key))
		return CopyResult{Size: info.Size, Skipped: true}, nil
	}

	reader, err := src.Client.GetObject(ctx, src.Bucket, objectKey)
	if err != nil {
		return CopyResult{}, err
	}
	defer func() { _ = reader.Close() }()

	opts := PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"sha256": sha256},
	}
	if info.Size < r.config.MultipartThreshold {
		err = dst.Client.PutObject(ctx, dst.Bucket, objectKey, reader, info.Size, opts)
	} else {
		err = r.uploadMultipart(ctx, dst, objectKey, reader, info.Size, opts)
	}
	if err != nil {
		return CopyResult{}, err
	}

	if !r.existsWithSize(ctx, dst, objectKey, info.Size) {
		if rmErr := r.Delete(ctx, sha256, dst.Key); rmErr != nil {
			r.logger.Warn("Failed to remove mismatched content",
				zap.String("sha256", sha256),
				zap.String("dst_storage", dst.Key),
				zap.Error(rmErr))
		}
		return CopyResult{}, Error.New("content %s size mismatch on %q after copy", sha256, dst.Key)
	}

	return CopyResult{Size: info.Size}, nil
}

// Delete removes content from a backend
func (r *Router) Delete(ctx context.Context, sha256, key string) error {
	b, err := r.resolve(key)
	if err != nil {
		return err
	}
	return b.Client.RemoveObject(ctx, b.Bucket, ObjectKey(sha256))
}

func (r *Router) existsWithSize(ctx context.Context, b *Backend, objectKey string, size int64) bool {
	info, err := b.Client.HeadObject(ctx, b.Bucket, objectKey)
	if err != nil {
		return false
	}
	return info.Size == size
}

func (r *Router) uploadMultipart(ctx context.Context, dst *Backend, objectKey string, reader io.Reader, size int64, opts PutOptions) error {
	uploadID, err := dst.Client.NewMultipartUpload(ctx, dst.Bucket, objectKey, opts)
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	abort := func() {
		if err := dst.Client.AbortMultipartUpload(ctx, dst.Bucket, objectKey, uploadID); err != nil {
			r.logger.Warn("Failed to abort multipart upload",
				zap.String("key", objectKey),
				zap.String("upload_id", uploadID),
				zap.Error(err))
		}
	}

	partSize := r.config.PartSize
	partCount := int(math.Ceil(float64(size) / float64(partSize)))
	parts := make([]CompletedPart, 0, partCount)
	buf := make([]byte, partSize)

	for partNum := 1; partNum <= partCount; partNum++ {
		n, err := io.ReadFull(reader, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			abort()
			return fmt.Errorf("failed to read part %d: %w", partNum, err)
		}

		etag, err := dst.Client.UploadPart(ctx, dst.Bucket, objectKey, uploadID, partNum,
			bytes.NewReader(buf[:n]), int64(n))
		if err != nil {
			abort()
			return fmt.Errorf("failed to upload part %d: %w", partNum, err)
		}

		parts = append(parts, CompletedPart{
			PartNumber: partNum,
			ETag:       etag,
		})
	}

	if err := dst.Client.CompleteMultipartUpload(ctx, dst.Bucket, objectKey, uploadID, parts); err != nil {
		abort()
		return err
	}
	return nil
}

// NewRouterFromConfigs builds minio backends for each storage config
func NewRouterFromConfigs(configs map[string]Config, buckets map[string]string, defaultKey string, copyConfig CopyConfig, logger *zap.Logger) (*Router, error) {
	backends := make([]*Backend, 0, len(configs))
	for key, cfg := range configs {
		client, err := NewMinIOClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for storage %q: %w", key, err)
		}
		backends = append(backends, &Backend{Key: key, Bucket: buckets[key], Client: client})
	}
	return NewRouter(backends, defaultKey, copyConfig, logger)
}
