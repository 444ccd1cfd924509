package s3compat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

const listing = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>b</Name>
  <Prefix>docs/</Prefix>
  <Delimiter>/</Delimiter>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>%t</IsTruncated>
  <NextContinuationToken>%s</NextContinuationToken>
  <Contents><Key>docs/</Key><Size>0</Size></Contents>
  <Contents>
    <Key>docs/a.txt</Key>
    <LastModified>2006-01-02T15:04:05.000Z</LastModified>
    <ETag>&quot;abc&quot;</ETag>
    <Size>5</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
  <CommonPrefixes><Prefix>docs/sub/</Prefix></CommonPrefixes>
</ListBucketResult>`

type object struct {
	data []byte
	sha  string
}

// fakeS3 serves HEAD and PUT of single objects in bucket "b".
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]object
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/b/")
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(obj.data)))
		w.Header().Set("ETag", `"etag-1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		if obj.sha != "" {
			w.Header().Set("x-amz-meta-sha256", obj.sha)
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[key] = object{data: data, sha: r.Header.Get("x-amz-meta-sha256")}
		w.Header().Set("ETag", `"etag-1"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestProvider(t *testing.T, h http.Handler) *Provider {
	t.Helper()
	prev := Retry
	Retry = retry.Once
	t.Cleanup(func() { Retry = prev })

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	p, err := NewProvider(context.Background(), provider.Descriptor{
		Name:        Name,
		Credentials: map[string]any{"access_key": "ak", "secret_key": "sk"},
		Settings:    map[string]any{"host": srv.URL, "bucket": "b"},
	})
	require.NoError(t, err)
	return p
}

func TestSettingsFromDescriptor(t *testing.T) {
	s, err := settingsFromDescriptor(provider.Descriptor{
		Credentials: map[string]any{"access_key": "ak", "secret_key": "sk"},
		Settings:    map[string]any{"host": "minio:9000", "bucket": "b", "use_ssl": false},
	})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000", s.Endpoint)
	assert.Equal(t, "us-east-1", s.Region)

	s, err = settingsFromDescriptor(provider.Descriptor{
		Credentials: map[string]any{"access_key": "ak", "secret_key": "sk"},
		Settings:    map[string]any{"host": "s3.example.org/", "bucket": "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://s3.example.org", s.Endpoint)

	cases := map[string]provider.Descriptor{
		"no bucket": {Credentials: map[string]any{"access_key": "ak", "secret_key": "sk"}, Settings: map[string]any{"host": "h"}},
		"no host":   {Credentials: map[string]any{"access_key": "ak", "secret_key": "sk"}, Settings: map[string]any{"bucket": "b"}},
		"no keys":   {Settings: map[string]any{"host": "h", "bucket": "b"}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := settingsFromDescriptor(d)
			assert.Error(t, err)
		})
	}
}

func TestIsS3Retryable(t *testing.T) {
	assert.True(t, isS3Retryable(&retry.StatusError{StatusCode: 503, Status: "503"}))
	assert.False(t, isS3Retryable(errors.New("boom")))
}

func TestMetadata_FileAndMissing(t *testing.T) {
	fake := &fakeS3{objects: map[string]object{"docs/a.txt": {data: []byte("hello"), sha: "abc"}}}
	p := newTestProvider(t, fake)
	ctx := context.Background()

	page, err := p.Metadata(ctx, wbpath.MustParse("/docs/a.txt"), provider.MetadataOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(5), page.Items[0].SizeInt())
	assert.Equal(t, "etag-1", page.Items[0].Etag)
	assert.Equal(t, "abc", page.Items[0].Extra["sha256"])

	_, err = p.Metadata(ctx, wbpath.MustParse("/docs/missing.txt"), provider.MetadataOptions{})
	require.Error(t, err)
	assert.Equal(t, apierr.KindMetadata, apierr.KindOf(err))
	assert.Equal(t, http.StatusNotFound, apierr.StatusOf(err))
}

func TestMetadata_FolderListing(t *testing.T) {
	var tokens []string
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/b", strings.TrimSuffix(r.URL.Path, "/"))
		assert.Equal(t, "2", q.Get("list-type"))
		assert.Equal(t, "/", q.Get("delimiter"))
		assert.Equal(t, "docs/", q.Get("prefix"))
		token := q.Get("continuation-token")
		tokens = append(tokens, token)
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, listing, token == "", "tok2")
	}))
	ctx := context.Background()
	folder := wbpath.MustParse("/docs/")

	page, err := p.Metadata(ctx, folder, provider.MetadataOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tok2", page.Next)
	require.Len(t, page.Items, 2, "placeholder object is not listed")
	assert.Equal(t, "/docs/sub/", page.Items[0].Path)
	assert.True(t, page.Items[0].IsFolder())
	assert.Equal(t, "/docs/a.txt", page.Items[1].Path)
	assert.Equal(t, "abc", page.Items[1].Etag)

	page, err = p.Metadata(ctx, folder, provider.MetadataOptions{PageToken: "tok2"})
	require.NoError(t, err)
	assert.Empty(t, page.Next, "not truncated")
	assert.Equal(t, []string{"", "tok2"}, tokens)
}

func TestUpload_StampsChecksum(t *testing.T) {
	fake := &fakeS3{objects: map[string]object{}}
	p := newTestProvider(t, fake)

	m, created, err := p.Upload(context.Background(), strings.NewReader("hello"), -1, wbpath.MustParse("/a.txt"))
	require.NoError(t, err)
	assert.True(t, created)

	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), m.Extra["sha256"])
	assert.Equal(t, int64(5), m.SizeInt())
	assert.Equal(t, "hello", string(fake.objects["a.txt"].data))

	_, created, err = p.Upload(context.Background(), strings.NewReader("hello"), 5, wbpath.MustParse("/a.txt"))
	require.NoError(t, err)
	assert.False(t, created, "second upload overwrites")
}

func TestPeer(t *testing.T) {
	a := &Provider{endpoint: "http://s3", accessKey: "ak", bucket: "b1"}
	b := &Provider{endpoint: "http://s3", accessKey: "ak", bucket: "b2"}
	c := &Provider{endpoint: "http://other", accessKey: "ak", bucket: "b1"}

	assert.True(t, a.CanIntraCopy(b, wbpath.MustParse("/x")), "bucket may differ")
	assert.False(t, a.CanIntraMove(c, wbpath.MustParse("/x")))
}
