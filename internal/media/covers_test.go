package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	exists    bool
	existsErr error
	made      []string
	policy    string
	putErr    error
	puts      []putCall
}

type putCall struct {
	bucket, object string
	size           int64
	contentType    string
	data           []byte
}

func (f *fakeObjects) BucketExists(context.Context, string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeObjects) SetBucketPolicy(_ context.Context, _ string, policy string) error {
	f.policy = policy
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, _ := io.ReadAll(r)
	f.puts = append(f.puts, putCall{bucket: bucket, object: object, size: size, contentType: opts.ContentType, data: data})
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newTestCovers(f *fakeObjects) *Covers {
	return newCovers(f, Config{Endpoint: "cdn.example.com:9000", Bucket: "covers"}, zerolog.Nop())
}

func TestEnsureBucketCreatesMissingBucket(t *testing.T) {
	f := &fakeObjects{}
	require.NoError(t, newTestCovers(f).EnsureBucket(context.Background()))
	assert.Equal(t, []string{"covers"}, f.made)

	var policy map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.policy), &policy))
	assert.Contains(t, f.policy, "arn:aws:s3:::covers/*")
}

func TestEnsureBucketExisting(t *testing.T) {
	f := &fakeObjects{exists: true}
	require.NoError(t, newTestCovers(f).EnsureBucket(context.Background()))
	assert.Empty(t, f.made)

	f = &fakeObjects{existsErr: errors.New("denied")}
	require.Error(t, newTestCovers(f).EnsureBucket(context.Background()))
}

func TestPutCover(t *testing.T) {
	f := &fakeObjects{}
	c := newTestCovers(f)

	url, err := c.PutCover(context.Background(), "art/1", bytes.NewReader(pngHeader))
	require.NoError(t, err)

	require.Len(t, f.puts, 1)
	put := f.puts[0]
	assert.Equal(t, "covers", put.bucket)
	assert.True(t, strings.HasPrefix(put.object, "covers/art-1/"), put.object)
	assert.True(t, strings.HasSuffix(put.object, ".png"), put.object)
	assert.Equal(t, "image/png", put.contentType)
	assert.Equal(t, int64(len(pngHeader)), put.size)
	assert.Equal(t, "http://cdn.example.com:9000/covers/"+put.object, url)
}

func TestPutCoverRejectsBadInput(t *testing.T) {
	c := newTestCovers(&fakeObjects{})
	ctx := context.Background()

	_, err := c.PutCover(ctx, "a", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = c.PutCover(ctx, "a", strings.NewReader("just some text"))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	big := append(append([]byte{}, pngHeader...), make([]byte, MaxCoverSize)...)
	_, err = c.PutCover(ctx, "a", bytes.NewReader(big))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestPutCoverUploadError(t *testing.T) {
	c := newTestCovers(&fakeObjects{putErr: errors.New("503")})
	_, err := c.PutCover(context.Background(), "a", bytes.NewReader(pngHeader))
	require.Error(t, err)
}

func TestObjectNameIsUnique(t *testing.T) {
	a := ObjectName("x", ".jpg")
	b := ObjectName("x", ".jpg")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "covers/x/"))
}

func TestNewCoversRequiresEndpoint(t *testing.T) {
	_, err := NewCovers(Config{Bucket: "covers"}, zerolog.Nop())
	require.Error(t, err)

	c, err := NewCovers(Config{Endpoint: "localhost:9000", Bucket: "covers", UseSSL: true}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:9000/covers/covers/a/b.png", c.URL("covers/a/b.png"))
}
