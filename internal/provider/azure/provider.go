// Package azure is a storage backend over one Azure Blob Storage container.
// Folders are virtual: a folder exists when a blob lives under its prefix,
// and CreateFolder writes an empty "<prefix>/" placeholder blob.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
	"github.com/Chapsvision-dev/storage-gateway/internal/util"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

const Name = "azure"

// copyPollInterval paces the status checks of a pending server-side copy.
var copyPollInterval = 500 * time.Millisecond

// Retry is the backoff applied to every idempotent blob call.
var Retry = retry.Default

func init() {
	provider.Register(Name, New)
}

type Provider struct {
	provider.Base
	name          string
	client        *azblob.Client
	container     *container.Client
	containerName string
	endpoint      string // e.g. https://<account>.blob.core.windows.net/
	auth          authMode
	pageSize      int32
	ro            retry.Options
}

// New builds a provider from its descriptor. Credentials: "account",
// "sas_token" or "tenant_id"/"client_id"/"client_secret". Settings:
// "container" (required), "endpoint", "page_size".
func New(_ context.Context, d provider.Descriptor) (provider.Provider, error) {
	c, err := configFromDescriptor(d)
	if err != nil {
		return nil, err
	}
	raw := d.Setting("page_size", "0")
	pageSize, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || pageSize < 0 {
		return nil, fmt.Errorf("azure: invalid page_size %q", raw)
	}

	client, mode, err := newClient(c)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	name := d.Name
	if name == "" {
		name = Name
	}
	return &Provider{
		name:          name,
		client:        client,
		container:     client.ServiceClient().NewContainerClient(c.Container),
		containerName: c.Container,
		endpoint:      c.Endpoint,
		auth:          mode,
		pageSize:      int32(pageSize),
		ro:            Retry,
	}, nil
}

func (p *Provider) Name() string { return p.name }

// do runs one idempotent blob call under retry, logging each attempt.
func (p *Provider) do(ctx context.Context, action, key string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, p.ro, isAzRetryable, func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", action).Str("container", p.containerName).Str("key", key).
			Int("attempt", attempt).Msg("starting attempt")
		if err := fn(ctx); err != nil {
			log.Debug().Err(err).Str("action", action).Str("container", p.containerName).Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		return nil
	})
}

// keyOf maps a path to a blob name; folders keep their trailing slash and
// the root is the empty prefix.
func keyOf(path wbpath.Path) string {
	if path.IsRoot() {
		return ""
	}
	k := strings.Join(path.Segments(), "/")
	if path.IsFolder() {
		k += "/"
	}
	return k
}

func (p *Provider) ValidatePath(_ context.Context, raw string, _ url.Values) (wbpath.Path, error) {
	return wbpath.Validate(raw, nil)
}

func (p *Provider) Metadata(ctx context.Context, path wbpath.Path, opts provider.MetadataOptions) (provider.Page, error) {
	if path.IsFile() {
		version := opts.Version
		if version == "" {
			version = opts.Revision
		}
		props, err := p.head(ctx, keyOf(path), version)
		if err != nil {
			return provider.Page{}, metadataError(path, err)
		}
		m, err := p.fileMeta(path, props)
		return provider.Page{Items: []metadata.Metadata{m}}, err
	}

	prefix := keyOf(path)
	listOpts := &container.ListBlobsHierarchyOptions{
		Include: container.ListBlobsInclude{Metadata: true},
		Prefix:  to.Ptr(prefix),
	}
	if opts.PageToken != "" {
		listOpts.Marker = to.Ptr(opts.PageToken)
	}
	if p.pageSize > 0 {
		listOpts.MaxResults = to.Ptr(p.pageSize)
	}

	var resp container.ListBlobsHierarchyResponse
	err := p.do(ctx, "azure_list", prefix, func(ctx context.Context) error {
		var err error
		resp, err = p.container.NewListBlobsHierarchyPager("/", listOpts).NextPage(ctx)
		return err
	})
	if err != nil {
		return provider.Page{}, metadataError(path, err)
	}

	page := provider.Page{Next: deref(resp.NextMarker)}
	placeholder := false
	if seg := resp.Segment; seg != nil {
		for _, bp := range seg.BlobPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(deref(bp.Name), prefix), "/")
			if name == "" {
				continue
			}
			m, err := metadata.NewFolder(p.name, metadata.Attrs{Path: path.Child(name, true)})
			if err != nil {
				return provider.Page{}, err
			}
			page.Items = append(page.Items, m)
		}
		for _, it := range seg.BlobItems {
			name := strings.TrimPrefix(deref(it.Name), prefix)
			if name == "" {
				placeholder = true
				continue
			}
			m, err := p.fileMeta(path.Child(name, false), itemProps(it))
			if err != nil {
				return provider.Page{}, err
			}
			page.Items = append(page.Items, m)
		}
	}
	if !path.IsRoot() && opts.PageToken == "" && page.Next == "" && len(page.Items) == 0 && !placeholder {
		return provider.Page{}, apierr.Metadata(404, "could not retrieve file or directory %s", path)
	}
	return page, nil
}

// Revisions lists the stored versions of a blob, newest first. Requires
// versioning on the storage account.
func (p *Provider) Revisions(ctx context.Context, path wbpath.Path) ([]metadata.Revision, error) {
	if !path.IsFile() {
		return nil, apierr.InvalidPath("revisions are only available for files")
	}
	key := keyOf(path)
	var out []metadata.Revision
	err := p.do(ctx, "azure_revisions", key, func(ctx context.Context) error {
		out = out[:0]
		pager := p.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
			Include: container.ListBlobsInclude{Versions: true},
			Prefix:  to.Ptr(key),
		})
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				return err
			}
			if resp.Segment == nil {
				continue
			}
			for _, it := range resp.Segment.BlobItems {
				if deref(it.Name) != key {
					continue
				}
				props := itemProps(it)
				out = append(out, metadata.Revision{
					Version:           props.VersionID,
					VersionIdentifier: "version",
					Modified:          metadata.FormatTime(props.Modified),
					Extra:             map[string]any{"current": deref(it.IsCurrentVersion)},
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, metadataError(path, err)
	}
	if len(out) == 0 {
		return nil, apierr.Metadata(404, "could not retrieve file or directory %s", path)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Modified > out[j].Modified })
	return out, nil
}

func (p *Provider) Download(ctx context.Context, path wbpath.Path) (io.ReadCloser, int64, error) {
	key := keyOf(path)
	start := time.Now()
	var resp azblob.DownloadStreamResponse
	err := p.do(ctx, "azure_download", key, func(ctx context.Context) error {
		var err error
		resp, err = p.client.DownloadStream(ctx, p.containerName, key, nil)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, apierr.NotFound("%s not found", path)
		}
		return nil, 0, fmt.Errorf("download %s: %w", path, err)
	}
	log.Debug().Str("action", "azure_download").Str("container", p.containerName).Str("key", key).
		Dur("elapsed_ms", time.Since(start)).Msg("stream opened")
	return resp.Body, deref(resp.ContentLength), nil
}

// Upload streams r into a block blob, then stamps its sha256 as blob
// metadata. The body is consumed once, so the upload itself is not retried.
func (p *Provider) Upload(ctx context.Context, r io.Reader, _ int64, path wbpath.Path) (metadata.Metadata, bool, error) {
	if !path.IsFile() {
		return metadata.Metadata{}, false, apierr.InvalidPath("cannot upload to folder path %s", path)
	}
	key := keyOf(path)
	_, existed, err := p.Exists(ctx, path)
	if err != nil {
		return metadata.Metadata{}, false, err
	}

	start := time.Now()
	hr := util.NewHashingReader(r)
	if _, err := p.client.UploadStream(ctx, p.containerName, key, hr, nil); err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("upload %s: %w", path, err)
	}
	sum := hr.Sum()
	err = p.do(ctx, "azure_set_metadata", key, func(ctx context.Context) error {
		_, err := p.container.NewBlobClient(key).SetMetadata(ctx, map[string]*string{"sha256": to.Ptr(sum)}, nil)
		return err
	})
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("set metadata %s: %w", path, err)
	}

	props, err := p.head(ctx, key, "")
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("validate (head) %s: %w", path, err)
	}
	if props.Size != hr.Size() {
		return metadata.Metadata{}, false, fmt.Errorf("size mismatch: local=%d, remote=%d", hr.Size(), props.Size)
	}
	log.Info().Str("action", "azure_upload").Str("container", p.containerName).Str("key", key).
		Int64("size", props.Size).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")

	m, err := p.fileMeta(path, props)
	return m, !existed, err
}

func (p *Provider) CreateFolder(ctx context.Context, path wbpath.Path) (metadata.Metadata, error) {
	if !path.IsFolder() || path.IsRoot() {
		return metadata.Metadata{}, apierr.InvalidPath("%s is not a folder path", path)
	}
	if _, ok, err := p.Exists(ctx, path); err != nil {
		return metadata.Metadata{}, err
	} else if ok {
		return metadata.Metadata{}, apierr.Conflict("folder %s already exists", path)
	}
	key := keyOf(path)
	err := p.do(ctx, "azure_create_folder", key, func(ctx context.Context) error {
		_, err := p.client.UploadBuffer(ctx, p.containerName, key, nil, nil)
		return err
	})
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("create folder %s: %w", path, err)
	}
	return metadata.NewFolder(p.name, metadata.Attrs{Path: path})
}

func (p *Provider) Delete(ctx context.Context, path wbpath.Path) error {
	if path.IsRoot() {
		return apierr.InvalidParameters("cannot delete the root folder")
	}
	keys, err := p.keysUnder(ctx, path)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return apierr.NotFound("%s not found", path)
	}
	for _, key := range keys {
		err := p.do(ctx, "azure_delete", key, func(ctx context.Context) error {
			_, err := p.container.NewBlobClient(key).Delete(ctx, nil)
			if isNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// keysUnder returns the blob behind a file path, or every blob below a
// folder prefix including its placeholder.
func (p *Provider) keysUnder(ctx context.Context, path wbpath.Path) ([]string, error) {
	if path.IsFile() {
		if _, ok, err := p.Exists(ctx, path); err != nil || !ok {
			return nil, err
		}
		return []string{keyOf(path)}, nil
	}
	prefix := keyOf(path)
	var keys []string
	err := p.do(ctx, "azure_list_flat", prefix, func(ctx context.Context) error {
		keys = keys[:0]
		pager := p.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				return err
			}
			if resp.Segment == nil {
				continue
			}
			for _, it := range resp.Segment.BlobItems {
				keys = append(keys, deref(it.Name))
			}
		}
		return nil
	})
	return keys, err
}

func (p *Provider) Exists(ctx context.Context, path wbpath.Path) (metadata.Metadata, bool, error) {
	if path.IsRoot() {
		if err := p.checkContainer(ctx); err != nil {
			if apierr.KindOf(err) == apierr.KindNotFound {
				return metadata.Metadata{}, false, nil
			}
			return metadata.Metadata{}, false, err
		}
		m, err := metadata.NewFolder(p.name, metadata.Attrs{Path: path})
		return m, true, err
	}
	page, err := p.Metadata(ctx, path, provider.MetadataOptions{})
	if err != nil {
		if apierr.StatusOf(err) == 404 {
			return metadata.Metadata{}, false, nil
		}
		return metadata.Metadata{}, false, err
	}
	if path.IsFile() {
		return page.Items[0], true, nil
	}
	m, err := metadata.NewFolder(p.name, metadata.Attrs{Path: path})
	return m, true, err
}

func (p *Provider) CanIntraMove(dest provider.Provider, _ wbpath.Path) bool { return p.sameContainer(dest) }
func (p *Provider) CanIntraCopy(dest provider.Provider, _ wbpath.Path) bool { return p.sameContainer(dest) }

func (p *Provider) sameContainer(dest provider.Provider) bool {
	other, ok := dest.(*Provider)
	return ok && other.endpoint == p.endpoint && other.containerName == p.containerName
}

func (p *Provider) IntraMove(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	return p.intra(ctx, dest, src, dst, opts, true)
}

func (p *Provider) IntraCopy(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	return p.intra(ctx, dest, src, dst, opts, false)
}

// intra copies every blob of src server-side with StartCopyFromURL, then
// deletes the sources when moving.
func (p *Provider) intra(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions, move bool) (provider.Outcome, error) {
	if !p.sameContainer(dest) {
		return provider.Outcome{}, provider.ErrIntraUnsupported
	}
	if src.IsFolder() && (src.Equal(dst) || src.IsAncestorOf(dst)) {
		return provider.Outcome{}, apierr.Conflict("cannot transfer folder %s into itself", src)
	}
	keys, err := p.keysUnder(ctx, src)
	if err != nil {
		return provider.Outcome{}, err
	}
	if len(keys) == 0 {
		return provider.Outcome{}, apierr.NotFound("%s not found", src)
	}

	name := opts.Rename
	if name == "" {
		name = src.Name()
	}
	target, existed, err := provider.ResolveTarget(ctx, dest, dst, name, src.IsFolder(), opts.Conflict)
	if err != nil {
		return provider.Outcome{}, err
	}
	if target.Equal(src) {
		m, _, err := p.Exists(ctx, target)
		return provider.Outcome{Metadata: m}, err
	}
	if existed {
		if err := p.Delete(ctx, target); err != nil && apierr.KindOf(err) != apierr.KindNotFound {
			return provider.Outcome{}, fmt.Errorf("replace %s: %w", target, err)
		}
	}

	start := time.Now()
	srcKey, dstKey := keyOf(src), keyOf(target)
	for _, key := range keys {
		if err := p.copyBlob(ctx, key, dstKey+strings.TrimPrefix(key, srcKey)); err != nil {
			return provider.Outcome{}, fmt.Errorf("copy %s: %w", key, err)
		}
	}
	if move {
		for _, key := range keys {
			err := p.do(ctx, "azure_delete", key, func(ctx context.Context) error {
				_, err := p.container.NewBlobClient(key).Delete(ctx, nil)
				return err
			})
			if err != nil {
				return provider.Outcome{}, fmt.Errorf("delete source %s: %w", key, err)
			}
		}
	}
	log.Info().Str("action", "azure_intra").Str("container", p.containerName).Str("src", srcKey).
		Str("dst", dstKey).Bool("move", move).Int("blobs", len(keys)).
		Dur("elapsed_ms", time.Since(start)).Msg("server-side transfer OK")

	m, _, err := p.Exists(ctx, target)
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Metadata: m, Created: !existed}, nil
}

// copyBlob starts a server-side copy and waits for it to leave the pending
// state.
func (p *Provider) copyBlob(ctx context.Context, srcKey, dstKey string) error {
	source := p.container.NewBlobClient(srcKey).URL()
	target := p.container.NewBlobClient(dstKey)
	var status blob.CopyStatusType
	err := p.do(ctx, "azure_copy", dstKey, func(ctx context.Context) error {
		resp, err := target.StartCopyFromURL(ctx, source, nil)
		if err != nil {
			return err
		}
		status = deref(resp.CopyStatus)
		return nil
	})
	if err != nil {
		return err
	}
	for status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(copyPollInterval):
		}
		props, err := p.head(ctx, dstKey, "")
		if err != nil {
			return err
		}
		status = props.CopyStatus
	}
	if status != "" && status != blob.CopyStatusTypeSuccess {
		return errors.New("server-side copy ended with status " + string(status))
	}
	return nil
}

func (p *Provider) fileMeta(path wbpath.Path, props blobProps) (metadata.Metadata, error) {
	extra := map[string]any{}
	if props.SHA256 != "" {
		extra["sha256"] = props.SHA256
	}
	if props.VersionID != "" {
		extra["version"] = props.VersionID
	}
	size := props.Size
	return metadata.NewFile(p.name, metadata.Attrs{
		Path:        path,
		Size:        &size,
		ContentType: props.ContentType,
		Modified:    metadata.FormatTime(props.Modified),
		Created:     metadata.FormatTime(props.Created),
		Etag:        props.ETag,
		Extra:       extra,
	})
}

var _ provider.Reviser = (*Provider)(nil)
