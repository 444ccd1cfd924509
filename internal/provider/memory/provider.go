// Package memory is an in-process storage backend. Instances built with the
// same "store" setting share one tree, so transfers between them run as
// intra-provider operations.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

const Name = "memory"

func init() {
	provider.Register(Name, New)
}

type Provider struct {
	provider.Base
	name     string
	store    *Store
	pageSize int
}

// Limited is a memory provider that reports a storage quota.
type Limited struct {
	*Provider
	max  int64
	root string
}

// New builds a provider from its descriptor. Settings: "store" (shared tree
// name, default "default"), "page_size" (folder listing page size, 0 for a
// single page) and "quota_max" (bytes; enables quota reporting).
func New(_ context.Context, d provider.Descriptor) (provider.Provider, error) {
	name := d.Name
	if name == "" {
		name = Name
	}
	pageSize, err := intSetting(d, "page_size")
	if err != nil {
		return nil, err
	}
	p := &Provider{
		name:     name,
		store:    Shared(d.Setting("store", "default")),
		pageSize: int(pageSize),
	}
	quotaMax, err := intSetting(d, "quota_max")
	if err != nil {
		return nil, err
	}
	if quotaMax > 0 {
		return &Limited{Provider: p, max: quotaMax}, nil
	}
	return p, nil
}

func intSetting(d provider.Descriptor, key string) (int64, error) {
	raw := d.Setting(key, "0")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("memory: invalid %s %q", key, raw)
	}
	return n, nil
}

func (p *Provider) Name() string { return p.name }

// Store exposes the backing tree, mostly for seeding in tests.
func (p *Provider) Store() *Store { return p.store }

func (p *Provider) ValidatePath(_ context.Context, raw string, _ url.Values) (wbpath.Path, error) {
	return wbpath.Validate(raw, nil)
}

func (p *Provider) Metadata(_ context.Context, path wbpath.Path, opts provider.MetadataOptions) (provider.Page, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	n, ok := p.store.nodes[path.String()]
	if !ok {
		return provider.Page{}, apierr.Metadata(404, "could not retrieve file or directory %s", path)
	}
	if !n.folder {
		if v := firstNonEmpty(opts.Version, opts.Revision); v != "" {
			rev, ok := n.revision(v)
			if !ok {
				return provider.Page{}, apierr.Metadata(404, "revision %s of %s not found", v, path)
			}
			m, err := p.fileMeta(path, rev)
			return provider.Page{Items: []metadata.Metadata{m}}, err
		}
		m, err := p.fileMeta(path, n.current())
		return provider.Page{Items: []metadata.Metadata{m}}, err
	}

	children := p.store.children(path)
	start := 0
	if opts.PageToken != "" {
		s, err := strconv.Atoi(opts.PageToken)
		if err != nil || s < 0 || s > len(children) {
			return provider.Page{}, apierr.InvalidParameters("invalid page token %q", opts.PageToken)
		}
		start = s
	}
	end := len(children)
	if p.pageSize > 0 && start+p.pageSize < end {
		end = start + p.pageSize
	}

	page := provider.Page{Items: make([]metadata.Metadata, 0, end-start)}
	for _, child := range children[start:end] {
		m, err := p.entryMeta(child)
		if err != nil {
			return provider.Page{}, err
		}
		page.Items = append(page.Items, m)
	}
	if end < len(children) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (p *Provider) Revisions(_ context.Context, path wbpath.Path) ([]metadata.Revision, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	n, ok := p.store.nodes[path.String()]
	if !ok || n.folder {
		return nil, apierr.Metadata(404, "could not retrieve file %s", path)
	}
	out := make([]metadata.Revision, 0, len(n.revisions))
	for i := len(n.revisions) - 1; i >= 0; i-- {
		r := n.revisions[i]
		out = append(out, metadata.Revision{
			Version:           r.id,
			VersionIdentifier: "version",
			Modified:          metadata.FormatTime(r.modified),
			Extra:             map[string]any{"size": len(r.data)},
		})
	}
	return out, nil
}

func (p *Provider) Download(_ context.Context, path wbpath.Path) (io.ReadCloser, int64, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	n, ok := p.store.nodes[path.String()]
	if !ok || n.folder {
		return nil, 0, apierr.NotFound("file %s not found", path)
	}
	data := n.current().data
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (p *Provider) Upload(_ context.Context, r io.Reader, _ int64, path wbpath.Path) (metadata.Metadata, bool, error) {
	if !path.IsFile() {
		return metadata.Metadata{}, false, apierr.InvalidPath("cannot upload to folder path %s", path)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("read upload body: %w", err)
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if err := p.store.requireParent(path); err != nil {
		return metadata.Metadata{}, false, err
	}
	n, existed := p.store.nodes[path.String()]
	if !existed {
		n = &node{}
		p.store.nodes[path.String()] = n
	}
	n.write(data, p.store.clock())
	m, err := p.fileMeta(path, n.current())
	return m, !existed, err
}

func (p *Provider) CreateFolder(_ context.Context, path wbpath.Path) (metadata.Metadata, error) {
	if !path.IsFolder() {
		return metadata.Metadata{}, apierr.InvalidPath("%s is not a folder path", path)
	}
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if err := p.store.requireParent(path); err != nil {
		return metadata.Metadata{}, err
	}
	if _, ok := p.store.nodes[path.String()]; ok {
		return metadata.Metadata{}, apierr.Conflict("folder %s already exists", path)
	}
	p.store.nodes[path.String()] = &node{folder: true}
	return metadata.NewFolder(p.name, metadata.Attrs{Path: path})
}

func (p *Provider) Delete(_ context.Context, path wbpath.Path) error {
	if path.IsRoot() {
		return apierr.InvalidParameters("cannot delete the root folder")
	}
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if _, ok := p.store.nodes[path.String()]; !ok {
		return apierr.NotFound("%s not found", path)
	}
	p.store.remove(path)
	return nil
}

func (p *Provider) Exists(ctx context.Context, path wbpath.Path) (metadata.Metadata, bool, error) {
	p.store.mu.RLock()
	n, ok := p.store.nodes[path.String()]
	p.store.mu.RUnlock()
	if !ok {
		return metadata.Metadata{}, false, nil
	}
	if n.folder {
		m, err := metadata.NewFolder(p.name, metadata.Attrs{Path: path})
		return m, true, err
	}
	page, err := p.Metadata(ctx, path, provider.MetadataOptions{})
	if err != nil {
		return metadata.Metadata{}, false, err
	}
	return page.Items[0], true, nil
}

// CanIntraMove holds when dest shares this provider's store.
func (p *Provider) CanIntraMove(dest provider.Provider, _ wbpath.Path) bool {
	return p.sameStore(dest)
}

func (p *Provider) CanIntraCopy(dest provider.Provider, _ wbpath.Path) bool {
	return p.sameStore(dest)
}

func (p *Provider) IntraCopy(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	return p.intra(ctx, dest, src, dst, opts, false)
}

func (p *Provider) IntraMove(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	return p.intra(ctx, dest, src, dst, opts, true)
}

func (p *Provider) intra(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions, move bool) (provider.Outcome, error) {
	if !p.sameStore(dest) {
		return provider.Outcome{}, provider.ErrIntraUnsupported
	}
	if src.IsFolder() && (src.Equal(dst) || src.IsAncestorOf(dst)) {
		return provider.Outcome{}, apierr.Conflict("cannot %s folder %s into itself", verb(move), src)
	}
	if _, ok, err := p.Exists(ctx, src); err != nil {
		return provider.Outcome{}, err
	} else if !ok {
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
		m, _, err := dest.Exists(ctx, target)
		return provider.Outcome{Metadata: m, Created: false}, err
	}

	p.store.mu.Lock()
	if err := p.store.requireParent(target); err != nil {
		p.store.mu.Unlock()
		return provider.Outcome{}, err
	}
	if existed {
		p.store.remove(target)
	}
	p.store.copyTree(src, target)
	if move {
		p.store.remove(src)
	}
	p.store.mu.Unlock()

	m, _, err := dest.Exists(ctx, target)
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Metadata: m, Created: !existed}, nil
}

func (p *Provider) sameStore(dest provider.Provider) bool {
	other, ok := unwrap(dest)
	return ok && other.store == p.store
}

func unwrap(dest provider.Provider) (*Provider, bool) {
	switch d := dest.(type) {
	case *Provider:
		return d, true
	case *Limited:
		return d.Provider, true
	default:
		return nil, false
	}
}

func (p *Provider) fileMeta(path wbpath.Path, r revision) (metadata.Metadata, error) {
	size := int64(len(r.data))
	return metadata.NewFile(p.name, metadata.Attrs{
		Path:        path,
		Size:        &size,
		ContentType: "application/octet-stream",
		Modified:    metadata.FormatTime(r.modified),
		Etag:        r.id,
		Extra:       map[string]any{"version": r.id},
	})
}

func (p *Provider) entryMeta(e entry) (metadata.Metadata, error) {
	if e.node.folder {
		return metadata.NewFolder(p.name, metadata.Attrs{Path: e.path})
	}
	return p.fileMeta(e.path, e.node.current())
}

// SetRootPath records the addon root; quota is reported per store
// regardless of it.
func (l *Limited) SetRootPath(root string) { l.root = root }

// Quota reports the bytes held by the whole store against quota_max.
func (l *Limited) Quota(context.Context) (provider.QuotaReport, error) {
	return provider.QuotaReport{Used: l.store.Used(), Max: l.max}, nil
}

func verb(move bool) string {
	if move {
		return "move"
	}
	return "copy"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ provider.Reviser = (*Provider)(nil)
var _ provider.QuotaReporter = (*Limited)(nil)
var _ provider.RootScoped = (*Limited)(nil)

