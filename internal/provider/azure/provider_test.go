package azure

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

const listing = `<?xml version="1.0" encoding="utf-8"?>
<EnumerationResults ServiceEndpoint="%[1]s/" ContainerName="c">
  <Prefix>docs/</Prefix>
  <Delimiter>/</Delimiter>
  <Blobs>
    <BlobPrefix><Name>docs/sub/</Name></BlobPrefix>
    <Blob>
      <Name>docs/</Name>
      <Properties><Content-Length>0</Content-Length><BlobType>BlockBlob</BlobType></Properties>
    </Blob>
    <Blob>
      <Name>docs/a.txt</Name>
      <Properties>
        <Last-Modified>Mon, 02 Jan 2006 15:04:05 GMT</Last-Modified>
        <Etag>0x8D1</Etag>
        <Content-Length>5</Content-Length>
        <Content-Type>text/plain</Content-Type>
        <BlobType>BlockBlob</BlobType>
      </Properties>
    </Blob>
  </Blobs>
  <NextMarker>%[2]s</NextMarker>
</EnumerationResults>`

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	prev := Retry
	Retry = retry.Once
	t.Cleanup(func() { Retry = prev })

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	p, err := New(context.Background(), provider.Descriptor{
		Name:        Name,
		Credentials: map[string]any{"sas_token": "?sv=2023-01-03&sig=x"},
		Settings:    map[string]any{"endpoint": srv.URL, "container": "c"},
	})
	require.NoError(t, err)
	return p.(*Provider)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), provider.Descriptor{Name: Name})
	assert.Error(t, err)

	_, err = New(context.Background(), provider.Descriptor{Name: Name, Settings: map[string]any{"container": "c"}})
	assert.Error(t, err, "account or endpoint required")

	_, err = New(context.Background(), provider.Descriptor{Name: Name, Settings: map[string]any{
		"container": "c", "endpoint": "http://127.0.0.1:1", "page_size": "-3",
	}})
	assert.Error(t, err)
}

func TestNewClient_Priority(t *testing.T) {
	base := clientConfig{Account: "acct", Container: "c", Endpoint: "https://acct.blob.core.windows.net/"}

	sas := base
	sas.SASToken = "?sv=1&sig=x"
	sas.ClientID, sas.ClientSecret, sas.TenantID = "id", "secret", "tenant"
	_, mode, err := newClient(sas)
	require.NoError(t, err)
	assert.Equal(t, authSAS, mode)

	sp := base
	sp.ClientID, sp.ClientSecret, sp.TenantID = "id", "secret", "tenant"
	_, mode, err = newClient(sp)
	require.NoError(t, err)
	assert.Equal(t, authServicePrincipal, mode)
}

func TestConfigFromDescriptor_DefaultEndpoint(t *testing.T) {
	t.Setenv("AZURE_BLOB_ENDPOINT", "")
	c, err := configFromDescriptor(provider.Descriptor{
		Credentials: map[string]any{"account": "acct"},
		Settings:    map[string]any{"container": "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/", c.Endpoint)
}

func TestKeyOf(t *testing.T) {
	assert.Equal(t, "", keyOf(wbpath.Root()))
	assert.Equal(t, "a/b/", keyOf(wbpath.MustParse("/a/b/")))
	assert.Equal(t, "a/b.txt", keyOf(wbpath.MustParse("/a/b.txt")))
}

func TestMetaValue_CaseInsensitive(t *testing.T) {
	v := "abc"
	assert.Equal(t, "abc", metaValue(map[string]*string{"Sha256": &v}, "sha256"))
	assert.Equal(t, "", metaValue(map[string]*string{"other": &v}, "sha256"))
}

func TestIsAzRetryable(t *testing.T) {
	assert.True(t, isAzRetryable(&azcore.ResponseError{StatusCode: 503}))
	assert.True(t, isAzRetryable(&azcore.ResponseError{StatusCode: 429}))
	assert.True(t, isAzRetryable(&azcore.ResponseError{StatusCode: 400, ErrorCode: "ServerBusy"}))
	assert.False(t, isAzRetryable(&azcore.ResponseError{StatusCode: 404}))
	assert.False(t, isAzRetryable(fmt.Errorf("plain")))
}

func TestMetadata_File(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/c/docs/a.txt", r.URL.Path)
		assert.Equal(t, "x", r.URL.Query().Get("sig"))
		w.Header().Set("Content-Length", "5")
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("ETag", `"0x8D1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Header().Set("x-ms-meta-sha256", "deadbeef")
		w.WriteHeader(http.StatusOK)
	})

	page, err := p.Metadata(context.Background(), wbpath.MustParse("/docs/a.txt"), provider.MetadataOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	m := page.Items[0]
	assert.Equal(t, int64(5), m.SizeInt())
	assert.Equal(t, "0x8D1", m.Etag)
	assert.Equal(t, "deadbeef", m.Extra["sha256"])
	assert.Equal(t, "2006-01-02T15:04:05Z", m.Modified)
}

func TestMetadata_FileNotFound(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("x-ms-error-code", "BlobNotFound")
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := p.Metadata(context.Background(), wbpath.MustParse("/missing.txt"), provider.MetadataOptions{})
	require.Error(t, err)
	assert.Equal(t, apierr.KindMetadata, apierr.KindOf(err))
	assert.Equal(t, http.StatusNotFound, apierr.StatusOf(err))

	_, ok, err := p.Exists(context.Background(), wbpath.MustParse("/missing.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetadata_FolderListing(t *testing.T) {
	var markers []string
	var srvURL string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/c", r.URL.Path)
		assert.Equal(t, "list", q.Get("comp"))
		assert.Equal(t, "/", q.Get("delimiter"))
		assert.Equal(t, "docs/", q.Get("prefix"))
		markers = append(markers, q.Get("marker"))
		next := "m2"
		if q.Get("marker") != "" {
			next = ""
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, listing, srvURL, next)
	})
	srvURL = p.endpoint

	folder := wbpath.MustParse("/docs/")
	page, err := p.Metadata(context.Background(), folder, provider.MetadataOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m2", page.Next)
	require.Len(t, page.Items, 2, "placeholder blob is not listed")
	assert.True(t, page.Items[0].IsFolder())
	assert.Equal(t, "/docs/sub/", page.Items[0].Path)
	assert.True(t, page.Items[1].IsFile())
	assert.Equal(t, "/docs/a.txt", page.Items[1].Path)
	assert.Equal(t, int64(5), page.Items[1].SizeInt())

	page, err = p.Metadata(context.Background(), folder, provider.MetadataOptions{PageToken: "m2"})
	require.NoError(t, err)
	assert.Empty(t, page.Next)
	assert.Equal(t, []string{"", "m2"}, markers)
}

func TestCanIntra_SameContainerOnly(t *testing.T) {
	a := &Provider{endpoint: "https://acct.blob.core.windows.net/", containerName: "c"}
	b := &Provider{endpoint: "https://acct.blob.core.windows.net/", containerName: "c"}
	other := &Provider{endpoint: "https://acct.blob.core.windows.net/", containerName: "d"}

	assert.True(t, a.CanIntraCopy(b, wbpath.MustParse("/x")))
	assert.True(t, a.CanIntraMove(b, wbpath.MustParse("/x/")))
	assert.False(t, a.CanIntraCopy(other, wbpath.MustParse("/x")))
}

func TestIntra_RejectsFolderIntoItself(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := p.IntraCopy(context.Background(), p, wbpath.MustParse("/a/"), wbpath.MustParse("/a/b/"), provider.TransferOptions{})
	assert.ErrorIs(t, err, apierr.New(apierr.KindConflict, 0, ""))
}
