package artifacts

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var module = []byte("\x00asm\x01\x00\x00\x00")

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	digest, err := store.Put(ctx, module)
	require.NoError(t, err)
	assert.Equal(t, Digest(module), digest)
	assert.True(t, strings.HasPrefix(digest, "sha256:"))

	// Idempotent
	again, err := store.Put(ctx, module)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, module, got)

	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, digest))
	_, err = store.Get(ctx, digest)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "md5:abc")
	assert.ErrorIs(t, err, ErrInvalidDigest)
	_, err = store.Get(ctx, "sha256:zz")
	assert.ErrorIs(t, err, ErrInvalidDigest)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFileStore_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	digest, err := store.Put(context.Background(), module)
	require.NoError(t, err)

	path := filepath.Join(dir, strings.TrimPrefix(digest, "sha256:")+".blob")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o600))

	_, err = store.Get(context.Background(), digest)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
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
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	store := NewS3StoreWithClient(client, "modules", "aeor/")
	testStore(t, store)
	assert.Equal(t, 1, client.puts, "second Put must be skipped")
}

func TestS3Store_KeyLayout(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	store := NewS3StoreWithClient(client, "modules", "aeor/")

	digest, err := store.Put(context.Background(), module)
	require.NoError(t, err)
	_, ok := client.objects["aeor/"+strings.TrimPrefix(digest, "sha256:")+".blob"]
	assert.True(t, ok)
}

func TestNewStore_FromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", dir)

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(dir, "artifacts"), fs.baseDir)
}

func TestNewStore_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewStore(ctx, Config{Type: StoreTypeS3})
	assert.ErrorContains(t, err, "ARTIFACT_S3_BUCKET")

	_, err = NewStore(ctx, Config{Type: "ftp"})
	assert.ErrorContains(t, err, "unsupported")

	store, err := NewStore(ctx, Config{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}
