package azure

import (
	"context"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// blobProps is the part of a blob's properties exposed as metadata, whether
// read by HEAD or from a listing.
type blobProps struct {
	Size        int64
	ContentType string
	ETag        string
	Modified    time.Time
	Created     time.Time
	SHA256      string
	VersionID   string
	CopyStatus  blob.CopyStatusType
}

// head reads Content-Length, ETag and x-ms-meta-sha256 of one blob version.
func (p *Provider) head(ctx context.Context, key, version string) (blobProps, error) {
	bc := p.container.NewBlobClient(key)
	if version != "" {
		v, err := bc.WithVersionID(version)
		if err != nil {
			return blobProps{}, err
		}
		bc = v
	}

	var props blobProps
	err := p.do(ctx, "azure_head", key, func(ctx context.Context) error {
		resp, err := bc.GetProperties(ctx, nil)
		if err != nil {
			return err
		}
		props = blobProps{
			Size:        deref(resp.ContentLength),
			ContentType: deref(resp.ContentType),
			ETag:        etag(resp.ETag),
			Modified:    deref(resp.LastModified),
			Created:     deref(resp.CreationTime),
			SHA256:      metaValue(resp.Metadata, "sha256"),
			VersionID:   deref(resp.VersionID),
			CopyStatus:  deref(resp.CopyStatus),
		}
		return nil
	})
	return props, err
}

func itemProps(it *container.BlobItem) blobProps {
	props := blobProps{
		SHA256:    metaValue(it.Metadata, "sha256"),
		VersionID: deref(it.VersionID),
	}
	if pr := it.Properties; pr != nil {
		props.Size = deref(pr.ContentLength)
		props.ContentType = deref(pr.ContentType)
		props.ETag = etag(pr.ETag)
		props.Modified = deref(pr.LastModified)
		props.Created = deref(pr.CreationTime)
	}
	return props
}

// metaValue looks a metadata key up case-insensitively; the service echoes
// keys through canonicalized HTTP headers.
func metaValue(m map[string]*string, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) && v != nil {
			return *v
		}
	}
	return ""
}

func etag(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return strings.Trim(string(*e), `"`)
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
