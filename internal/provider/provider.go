package provider

import (
	"context"
	"errors"
	"io"
	"net/url"

	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// ErrIntraUnsupported is returned by IntraMove/IntraCopy on providers that
// never report intra-provider capability.
var ErrIntraUnsupported = errors.New("intra-provider transfer not supported")

// Provider defines the contract every storage backend implements.
// Paths are validated by the provider itself, so each backend decides which
// names it accepts.
type Provider interface {
	// Name returns the provider identifier (e.g. "azure", "s3compat").
	Name() string

	// ValidatePath parses a raw client path into a backend path.
	ValidatePath(ctx context.Context, raw string, params url.Values) (wbpath.Path, error)

	// Metadata returns the entry at a file path, or one page of children of a
	// folder path. Callers loop while Page.Next is non-empty.
	Metadata(ctx context.Context, path wbpath.Path, opts MetadataOptions) (Page, error)

	// CanIntraMove and CanIntraCopy report whether a transfer of path into
	// dest can be performed natively by this backend.
	CanIntraMove(dest Provider, path wbpath.Path) bool
	CanIntraCopy(dest Provider, path wbpath.Path) bool

	// IntraMove and IntraCopy run the native transfer of src into the dst
	// folder. Only called after the matching CanIntra* returned true.
	IntraMove(ctx context.Context, dest Provider, src, dst wbpath.Path, opts TransferOptions) (Outcome, error)
	IntraCopy(ctx context.Context, dest Provider, src, dst wbpath.Path, opts TransferOptions) (Outcome, error)

	// Download opens the content of a file.
	Download(ctx context.Context, path wbpath.Path) (io.ReadCloser, int64, error)
	// Upload writes a file, reporting whether it was newly created.
	Upload(ctx context.Context, r io.Reader, size int64, path wbpath.Path) (metadata.Metadata, bool, error)
	// CreateFolder creates an empty folder.
	CreateFolder(ctx context.Context, path wbpath.Path) (metadata.Metadata, error)
	// Delete removes a file or a folder with its whole subtree.
	Delete(ctx context.Context, path wbpath.Path) error
	// Exists returns the metadata of path when present.
	Exists(ctx context.Context, path wbpath.Path) (metadata.Metadata, bool, error)
}

// MetadataOptions selects a version and a page of a metadata lookup.
type MetadataOptions struct {
	Version   string
	Revision  string
	PageToken string
}

// Page is one page of a metadata lookup.
type Page struct {
	Items []metadata.Metadata
	Next  string
}

// TransferOptions are passed through to the transfer primitives.
type TransferOptions struct {
	Conflict ConflictPolicy
	Rename   string
}

// Outcome is the result of a move or copy. Created is false when an
// existing entry at the destination was overwritten.
type Outcome struct {
	Metadata metadata.Metadata `json:"metadata"`
	Created  bool              `json:"created"`
}

// QuotaReport is a point-in-time usage snapshot of a destination.
type QuotaReport struct {
	Used int64 `json:"used"`
	Max  int64 `json:"max"`
}

// QuotaReporter is implemented by providers that enforce a storage limit.
type QuotaReporter interface {
	Quota(ctx context.Context) (QuotaReport, error)
}

// RootScoped is implemented by addon-routed providers that need their
// routing root before answering quota queries.
type RootScoped interface {
	SetRootPath(root string)
}

// Reviser lists the revisions of a file.
type Reviser interface {
	Revisions(ctx context.Context, path wbpath.Path) ([]metadata.Revision, error)
}

// Base supplies the default capability answers: no intra transfers.
type Base struct{}

func (Base) CanIntraMove(Provider, wbpath.Path) bool { return false }
func (Base) CanIntraCopy(Provider, wbpath.Path) bool { return false }

func (Base) IntraMove(context.Context, Provider, wbpath.Path, wbpath.Path, TransferOptions) (Outcome, error) {
	return Outcome{}, ErrIntraUnsupported
}

func (Base) IntraCopy(context.Context, Provider, wbpath.Path, wbpath.Path, TransferOptions) (Outcome, error) {
	return Outcome{}, ErrIntraUnsupported
}

// ListAll pages through a folder until no continuation token remains.
func ListAll(ctx context.Context, p Provider, path wbpath.Path, opts MetadataOptions) ([]metadata.Metadata, error) {
	var items []metadata.Metadata
	opts.PageToken = ""
	for {
		page, err := p.Metadata(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.Next == "" {
			return items, nil
		}
		opts.PageToken = page.Next
	}
}
