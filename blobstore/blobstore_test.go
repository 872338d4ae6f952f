package blobstore

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

func testStore(t *testing.T, store SigningStore) {
	t.Helper()
	ctx := context.Background()

	data := []byte("JHNS artifact bytes")
	require.NoError(t, store.Put(ctx, "docs/prod-1.hnsw", data))

	got, err := store.Get(ctx, "docs/prod-1.hnsw")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// overwrite
	require.NoError(t, store.Put(ctx, "docs/prod-1.hnsw", []byte("v2")))
	got, err = store.Get(ctx, "docs/prod-1.hnsw")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	link, err := store.DownloadURL(ctx, "docs/prod-1.hnsw", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, link, "prod-1.hnsw")

	require.NoError(t, store.Delete(ctx, "docs/prod-1.hnsw"))
	_, err = store.Get(ctx, "docs/prod-1.hnsw")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// deleting twice is fine
	require.NoError(t, store.Delete(ctx, "docs/prod-1.hnsw"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStore(t, store)

	require.NoError(t, store.Put(context.Background(), "a/1", nil))
	require.NoError(t, store.Put(context.Background(), "b/1", nil))
	assert.Equal(t, []string{"a/1"}, store.Keys("a/"))

	_, err := store.DownloadURL(context.Background(), "missing", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, store.Put(ctx, "../outside", []byte("x")))
	assert.Error(t, store.Put(ctx, "/etc/passwd", []byte("x")))
	assert.Error(t, store.Put(ctx, "", []byte("x")))
}

func TestLocalStoreURL(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "c/t.hnsw", []byte("x")))
	link, err := store.DownloadURL(ctx, "c/t.hnsw", time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)

	_, err = store.DownloadURL(ctx, "c/none.hnsw", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

// fakeS3 keeps objects in a map and reports missing keys like S3 does
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &v4.PresignedHTTPRequest{
		URL:    "https://" + aws.ToString(in.Bucket) + ".s3.example.com/" + aws.ToString(in.Key) + "?X-Amz-Expires=" + opts.Expires.String(),
		Method: "GET",
	}, nil
}

func TestS3StoreWithFakeClient(t *testing.T) {
	fake := newFakeS3()
	store := NewS3StoreWith(fake, fakePresigner{}, "artifacts", "indexes")
	testStore(t, store)

	require.NoError(t, store.Put(context.Background(), "c/x.hnsw", []byte("x")))
	_, ok := fake.objects["artifacts/indexes/c/x.hnsw"]
	assert.True(t, ok, "keys carry the root prefix")

	link, err := store.DownloadURL(context.Background(), "c/x.hnsw", 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(link, "X-Amz-Expires=2h0m0s"), link)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{Type: StoreMinio}.Validate(), core.ErrValidation)
	assert.ErrorIs(t, Config{Type: StoreS3}.Validate(), core.ErrValidation)
	assert.ErrorIs(t, Config{Type: "gcs"}.Validate(), core.ErrValidation)
	assert.ErrorIs(t, Config{Type: StoreLocal}.Validate(), core.ErrValidation)

	store, err := Open(context.Background(), Config{Type: StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

// TestMinioStoreIntegration requires a running MinIO instance named by
// JIGGY_TEST_MINIO_ENDPOINT.
func TestMinioStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("JIGGY_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("JIGGY_TEST_MINIO_ENDPOINT not set")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	require.NoError(t, err)

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	store := NewMinioStore(client, "jiggy-test", "test-prefix/")
	require.NoError(t, store.EnsureBucket(ctx, ""))
	testStore(t, store)
}
