// Package filesystem is a storage backend rooted at a local directory.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/util"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

const Name = "filesystem"

const tempPrefix = ".storagegw-"

func init() {
	provider.Register(Name, New)
}

type Provider struct {
	provider.Base
	name string
	root string
}

// Limited is a filesystem provider that reports a storage quota.
type Limited struct {
	*Provider
	max int64
}

// New builds a provider from its descriptor. Settings: "root" (required),
// "create_dirs" and "quota_max" (bytes).
func New(_ context.Context, d provider.Descriptor) (provider.Provider, error) {
	root := d.Setting("root", "")
	if root == "" {
		return nil, errors.New("filesystem: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}

	// Ensure root exists
	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err) && d.Setting("create_dirs", "false") == "true":
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create root %s: %w", abs, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root %s: %w", abs, err)
	case !info.IsDir():
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}

	name := d.Name
	if name == "" {
		name = Name
	}
	p := &Provider{name: name, root: abs}

	raw := d.Setting("quota_max", "0")
	quotaMax, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || quotaMax < 0 {
		return nil, fmt.Errorf("filesystem: invalid quota_max %q", raw)
	}
	if quotaMax > 0 {
		return &Limited{Provider: p, max: quotaMax}, nil
	}
	return p, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) full(path wbpath.Path) string {
	return filepath.Join(p.root, filepath.FromSlash(strings.Join(path.Segments(), "/")))
}

func (p *Provider) ValidatePath(_ context.Context, raw string, _ url.Values) (wbpath.Path, error) {
	path, err := wbpath.Validate(raw, nil)
	if err != nil {
		return wbpath.Path{}, err
	}
	for _, s := range path.Segments() {
		if strings.HasPrefix(s, tempPrefix) || strings.ContainsRune(s, filepath.Separator) {
			return wbpath.Path{}, apierr.InvalidPath("path %q contains a reserved name", raw)
		}
	}
	return path, nil
}

func (p *Provider) Metadata(_ context.Context, path wbpath.Path, _ provider.MetadataOptions) (provider.Page, error) {
	full := p.full(path)
	info, err := os.Stat(full)
	if err != nil {
		return provider.Page{}, statError(path, err)
	}
	if info.IsDir() != path.IsFolder() {
		return provider.Page{}, apierr.Metadata(404, "could not retrieve file or directory %s", path)
	}
	if !info.IsDir() {
		sum, _, err := util.SHA256File(full)
		if err != nil {
			return provider.Page{}, statError(path, err)
		}
		m, err := p.fileMeta(path, info, sum)
		return provider.Page{Items: []metadata.Metadata{m}}, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return provider.Page{}, fmt.Errorf("read dir %s: %w", path, err)
	}
	page := provider.Page{Items: make([]metadata.Metadata, 0, len(entries))}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed while listing
		}
		m, err := p.entryMeta(path.Child(e.Name(), e.IsDir()), info)
		if err != nil {
			return provider.Page{}, err
		}
		page.Items = append(page.Items, m)
	}
	return page, nil
}

func (p *Provider) Download(_ context.Context, path wbpath.Path) (io.ReadCloser, int64, error) {
	f, err := os.Open(p.full(path))
	if err != nil {
		return nil, 0, statError(path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, apierr.NotFound("%s is a directory", path)
	}
	return f, info.Size(), nil
}

// Upload writes content atomically via a temp file and rename.
func (p *Provider) Upload(_ context.Context, r io.Reader, _ int64, path wbpath.Path) (metadata.Metadata, bool, error) {
	if !path.IsFile() {
		return metadata.Metadata{}, false, apierr.InvalidPath("cannot upload to folder path %s", path)
	}
	full := p.full(path)
	dir := filepath.Dir(full)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return metadata.Metadata{}, false, apierr.NotFound("parent folder %s not found", path.Parent())
	}
	_, err := os.Stat(full)
	existed := err == nil

	hr := util.NewHashingReader(r)
	if err := writeAtomic(dir, full, hr); err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("write %s: %w", path, err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("stat %s: %w", path, err)
	}
	m, err := p.fileMeta(path, info, hr.Sum())
	return m, !existed, err
}

func writeAtomic(dir, full string, r io.Reader) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

func (p *Provider) CreateFolder(_ context.Context, path wbpath.Path) (metadata.Metadata, error) {
	if !path.IsFolder() {
		return metadata.Metadata{}, apierr.InvalidPath("%s is not a folder path", path)
	}
	if err := os.Mkdir(p.full(path), 0o755); err != nil {
		if os.IsExist(err) {
			return metadata.Metadata{}, apierr.Conflict("folder %s already exists", path)
		}
		if os.IsNotExist(err) {
			return metadata.Metadata{}, apierr.NotFound("parent folder %s not found", path.Parent())
		}
		return metadata.Metadata{}, fmt.Errorf("create folder %s: %w", path, err)
	}
	return metadata.NewFolder(p.name, metadata.Attrs{Path: path})
}

func (p *Provider) Delete(_ context.Context, path wbpath.Path) error {
	if path.IsRoot() {
		return apierr.InvalidParameters("cannot delete the root folder")
	}
	full := p.full(path)
	if _, err := os.Stat(full); err != nil {
		return statError(path, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (p *Provider) Exists(_ context.Context, path wbpath.Path) (metadata.Metadata, bool, error) {
	info, err := os.Stat(p.full(path))
	if os.IsNotExist(err) {
		return metadata.Metadata{}, false, nil
	}
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if path.IsRoot() {
		m, err := metadata.NewFolder(p.name, metadata.Attrs{Path: path})
		return m, true, err
	}
	// A file and a folder of the same name cannot coexist on disk.
	m, err := p.entryMeta(path.Parent().Child(path.Name(), info.IsDir()), info)
	return m, true, err
}

func (p *Provider) CanIntraMove(dest provider.Provider, _ wbpath.Path) bool { return p.sameRoot(dest) }
func (p *Provider) CanIntraCopy(dest provider.Provider, _ wbpath.Path) bool { return p.sameRoot(dest) }

func (p *Provider) IntraMove(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	return p.intra(ctx, dest, src, dst, opts, func(from, to string) error { return os.Rename(from, to) })
}

func (p *Provider) IntraCopy(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	return p.intra(ctx, dest, src, dst, opts, copyTree)
}

func (p *Provider) intra(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions, op func(from, to string) error) (provider.Outcome, error) {
	if !p.sameRoot(dest) {
		return provider.Outcome{}, provider.ErrIntraUnsupported
	}
	if src.IsFolder() && (src.Equal(dst) || src.IsAncestorOf(dst)) {
		return provider.Outcome{}, apierr.Conflict("cannot transfer folder %s into itself", src)
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
		m, _, err := p.Exists(ctx, target)
		return provider.Outcome{Metadata: m}, err
	}
	var aside string
	if existed {
		// The old entry is parked next to the target until op succeeds.
		aside = filepath.Join(filepath.Dir(p.full(target)), fmt.Sprintf("%sold-%d", tempPrefix, time.Now().UnixNano()))
		if err := os.Rename(p.full(target), aside); err != nil {
			return provider.Outcome{}, fmt.Errorf("replace %s: %w", target, err)
		}
	}
	if err := op(p.full(src), p.full(target)); err != nil {
		if aside != "" {
			_ = os.RemoveAll(p.full(target))
			if rerr := os.Rename(aside, p.full(target)); rerr != nil {
				log.Error().Err(rerr).Str("action", "fs_intra").Str("target", target.String()).Msg("failed to restore replaced entry")
			}
		}
		return provider.Outcome{}, fmt.Errorf("%s -> %s: %w", src, target, err)
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			log.Warn().Err(err).Str("action", "fs_intra").Str("path", aside).Msg("failed to remove replaced entry")
		}
	}
	m, _, err := p.Exists(ctx, target)
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Metadata: m, Created: !existed}, nil
}

func (p *Provider) sameRoot(dest provider.Provider) bool {
	var other *Provider
	switch d := dest.(type) {
	case *Provider:
		other = d
	case *Limited:
		other = d.Provider
	default:
		return false
	}
	return other.root == p.root
}

// copyTree copies a file, or a directory recursively, to a new location.
func copyTree(from, to string) error {
	return filepath.WalkDir(from, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		target := filepath.Join(to, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return writeAtomic(filepath.Dir(target), target, f)
	})
}

func (p *Provider) fileMeta(path wbpath.Path, info fs.FileInfo, sum string) (metadata.Metadata, error) {
	size := info.Size()
	extra := map[string]any{}
	if sum != "" {
		extra["sha256"] = sum
	}
	return metadata.NewFile(p.name, metadata.Attrs{
		Path:     path,
		Size:     &size,
		Modified: metadata.FormatTime(info.ModTime()),
		Etag:     fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), size),
		Extra:    extra,
	})
}

func (p *Provider) entryMeta(path wbpath.Path, info fs.FileInfo) (metadata.Metadata, error) {
	if info.IsDir() {
		return metadata.NewFolder(p.name, metadata.Attrs{
			Path:     path,
			Modified: metadata.FormatTime(info.ModTime()),
		})
	}
	return p.fileMeta(path, info, "")
}

// Quota reports the bytes under root against quota_max.
func (l *Limited) Quota(context.Context) (provider.QuotaReport, error) {
	var used int64
	err := filepath.WalkDir(l.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return provider.QuotaReport{}, fmt.Errorf("walk %s: %w", l.root, err)
	}
	return provider.QuotaReport{Used: used, Max: l.max}, nil
}

func statError(path wbpath.Path, err error) error {
	if os.IsNotExist(err) {
		return apierr.Metadata(404, "could not retrieve file or directory %s", path)
	}
	return fmt.Errorf("stat %s: %w", path, err)
}

var _ provider.QuotaReporter = (*Limited)(nil)
