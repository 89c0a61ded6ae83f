package storage_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"repomigrate/internal/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memoryClient is an in-memory single-bucket object store
type memoryClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]map[int][]byte
	// truncate stores uploads one byte short, to simulate a broken write
	truncate bool
	putErr   error
	puts     int
	aborted  int
}

func newMemoryClient() *memoryClient {
	return &memoryClient{
		objects: map[string][]byte{},
		uploads: map[string]map[int][]byte{},
	}
}

func (c *memoryClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.objects[bucket+"/"+key]
	if !ok {
		return nil, storage.ErrNotFound.New("%s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *memoryClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts storage.PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.puts++
	if c.putErr != nil {
		return c.putErr
	}
	if c.truncate && len(data) > 0 {
		data = data[:len(data)-1]
	}
	c.objects[bucket+"/"+key] = data
	return nil
}

func (c *memoryClient) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrNotFound.New("%s", key)
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (c *memoryClient) RemoveObject(ctx context.Context, bucket, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.objects, bucket+"/"+key)
	return nil
}

func (c *memoryClient) NewMultipartUpload(ctx context.Context, bucket, key string, opts storage.PutOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := fmt.Sprintf("upload-%d", len(c.uploads))
	c.uploads[id] = map[int][]byte{}
	return id, nil
}

func (c *memoryClient) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.uploads[uploadID][partNumber] = data
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (c *memoryClient) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.CompletedPart) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	var data []byte
	for _, part := range parts {
		data = append(data, c.uploads[uploadID][part.PartNumber]...)
	}
	delete(c.uploads, uploadID)
	c.objects[bucket+"/"+key] = data
	return nil
}

func (c *memoryClient) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.aborted++
	delete(c.uploads, uploadID)
	return nil
}

func (c *memoryClient) put(bucket, sha string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.objects[bucket+"/"+storage.ObjectKey(sha)] = data
}

func (c *memoryClient) get(bucket, sha string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.objects[bucket+"/"+storage.ObjectKey(sha)]
	return data, ok
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newRouter(t *testing.T, config storage.CopyConfig) (*storage.Router, *memoryClient, *memoryClient) {
	t.Helper()

	hot, cold := newMemoryClient(), newMemoryClient()
	router, err := storage.NewRouter([]*storage.Backend{
		{Key: "hot", Bucket: "hot-bucket", Client: hot},
		{Key: "cold", Bucket: "cold-bucket", Client: cold},
	}, "hot", config, zaptest.NewLogger(t))
	require.NoError(t, err)
	return router, hot, cold
}

func TestObjectKey(t *testing.T) {
	require.Equal(t, "ab/cd/abcdef", storage.ObjectKey("abcdef"))
	require.Equal(t, "abc", storage.ObjectKey("abc"))
}

func TestNewRouterRejectsBadConfig(t *testing.T) {
	log := zaptest.NewLogger(t)

	_, err := storage.NewRouter([]*storage.Backend{{Key: "a"}, {Key: "a"}}, "", storage.CopyConfig{}, log)
	require.Error(t, err)

	_, err = storage.NewRouter([]*storage.Backend{{Key: "a"}}, "b", storage.CopyConfig{}, log)
	require.True(t, storage.ErrUnknownStorage.Has(err))
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	router, hot, cold := newRouter(t, storage.CopyConfig{})

	data := []byte("artifact content")
	sha := digest(data)
	hot.put("hot-bucket", sha, data)

	// an empty source key resolves to the default storage
	result, err := router.Copy(ctx, sha, "", "cold")
	require.NoError(t, err)
	require.EqualValues(t, len(data), result.Size)
	require.False(t, result.Skipped)

	copied, ok := cold.get("cold-bucket", sha)
	require.True(t, ok)
	require.Equal(t, data, copied)

	exists, err := router.Exists(ctx, sha, "cold")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCopyMissingContent(t *testing.T) {
	router, _, _ := newRouter(t, storage.CopyConfig{})

	_, err := router.Copy(context.Background(), digest([]byte("nope")), "hot", "cold")
	require.True(t, storage.ErrNotFound.Has(err))

	_, err = router.Copy(context.Background(), digest([]byte("nope")), "hot", "warm")
	require.True(t, storage.ErrUnknownStorage.Has(err))
}

func TestCopySkipsExisting(t *testing.T) {
	ctx := context.Background()
	router, hot, cold := newRouter(t, storage.CopyConfig{SkipExisting: true})

	data := []byte("already there")
	sha := digest(data)
	hot.put("hot-bucket", sha, data)
	cold.put("cold-bucket", sha, data)

	result, err := router.Copy(ctx, sha, "hot", "cold")
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, 0, cold.puts)
}

func TestCopyRemovesMismatchedContent(t *testing.T) {
	ctx := context.Background()
	router, hot, cold := newRouter(t, storage.CopyConfig{})
	cold.truncate = true

	data := []byte("will be truncated")
	sha := digest(data)
	hot.put("hot-bucket", sha, data)

	_, err := router.Copy(ctx, sha, "hot", "cold")
	require.Error(t, err)

	_, ok := cold.get("cold-bucket", sha)
	require.False(t, ok)
}

func TestCopyPropagatesPutError(t *testing.T) {
	ctx := context.Background()
	router, hot, cold := newRouter(t, storage.CopyConfig{})
	cold.putErr = storage.ErrTransient.New("slow down")

	data := []byte("content")
	sha := digest(data)
	hot.put("hot-bucket", sha, data)

	_, err := router.Copy(ctx, sha, "hot", "cold")
	require.True(t, storage.ErrTransient.Has(err))
}

func TestCopyMultipart(t *testing.T) {
	ctx := context.Background()
	router, hot, cold := newRouter(t, storage.CopyConfig{
		MultipartThreshold: 1024,
		PartSize:           300,
	})

	data := bytes.Repeat([]byte("0123456789"), 250)
	sha := digest(data)
	hot.put("hot-bucket", sha, data)

	result, err := router.Copy(ctx, sha, "hot", "cold")
	require.NoError(t, err)
	require.EqualValues(t, len(data), result.Size)
	require.Equal(t, 0, cold.puts)

	copied, ok := cold.get("cold-bucket", sha)
	require.True(t, ok)
	require.Equal(t, data, copied)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	router, _, cold := newRouter(t, storage.CopyConfig{})

	data := []byte("content")
	sha := digest(data)
	cold.put("cold-bucket", sha, data)

	require.NoError(t, router.Delete(ctx, sha, "cold"))
	exists, err := router.Exists(ctx, sha, "cold")
	require.NoError(t, err)
	require.False(t, exists)
}
