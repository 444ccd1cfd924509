// Package metadata holds the immutable descriptions of files, folders and
// revisions returned by providers, and their outward serialization.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Metadata describes one file or folder. Values are built by NewFile or
// NewFolder and not mutated afterwards, except RootPath which the
// orchestrator sets on addon-routed responses.
type Metadata struct {
	Kind             Kind           `json:"kind"`
	Provider         string         `json:"provider"`
	Name             string         `json:"name"`
	Path             string         `json:"path"`
	MaterializedPath string         `json:"materialized"`
	Size             *int64         `json:"size,omitempty"`
	ContentType      string         `json:"content_type,omitempty"`
	Modified         string         `json:"modified,omitempty"`
	ModifiedUTC      string         `json:"modified_utc,omitempty"`
	Created          string         `json:"created,omitempty"`
	CreatedUTC       string         `json:"created_utc,omitempty"`
	Etag             string         `json:"etag,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
	RootPath         string         `json:"root_path,omitempty"`
}

// Attrs carries the provider-reported fields used to build a Metadata.
type Attrs struct {
	Name         string
	Path         wbpath.Path
	Materialized string
	Size         *int64
	ContentType  string
	Modified     string
	Created      string
	Etag         string
	Extra        map[string]any
}

// NewFile builds file metadata. A nil size is allowed for non-exportable
// types; a negative one is not.
func NewFile(provider string, a Attrs) (Metadata, error) {
	if a.Path.IsFolder() {
		return Metadata{}, fmt.Errorf("metadata: file %q has a folder path", a.Path)
	}
	if a.Size != nil && *a.Size < 0 {
		return Metadata{}, fmt.Errorf("metadata: file %q has negative size %d", a.Path, *a.Size)
	}
	m := build(KindFile, provider, a)
	if a.Size != nil {
		size := *a.Size
		m.Size = &size
	}
	return m, nil
}

// NewFolder builds folder metadata; folders never carry a size.
func NewFolder(provider string, a Attrs) (Metadata, error) {
	if !a.Path.IsFolder() {
		return Metadata{}, fmt.Errorf("metadata: folder %q has a file path", a.Path)
	}
	return build(KindFolder, provider, a), nil
}

func build(kind Kind, provider string, a Attrs) Metadata {
	name := a.Name
	if name == "" {
		name = a.Path.Name()
	}
	materialized := a.Materialized
	if materialized == "" {
		materialized = a.Path.Materialized()
	}
	extra := make(map[string]any, len(a.Extra))
	for k, v := range a.Extra {
		extra[k] = v
	}
	return Metadata{
		Kind:             kind,
		Provider:         provider,
		Name:             name,
		Path:             a.Path.String(),
		MaterializedPath: materialized,
		ContentType:      a.ContentType,
		Modified:         a.Modified,
		ModifiedUTC:      NormalizeTime(a.Modified),
		Created:          a.Created,
		CreatedUTC:       NormalizeTime(a.Created),
		Etag:             a.Etag,
		Extra:            extra,
	}
}

func (m Metadata) IsFile() bool   { return m.Kind == KindFile }
func (m Metadata) IsFolder() bool { return m.Kind == KindFolder }

// SizeInt is the file size, or 0 when unknown.
func (m Metadata) SizeInt() int64 {
	if m.Size == nil {
		return 0
	}
	return *m.Size
}

// WbPath parses Path back into a wbpath.Path.
func (m Metadata) WbPath() (wbpath.Path, error) {
	return wbpath.Validate(m.Path, nil)
}

// HashedEtag is the provider-qualified etag exposed to clients.
func (m Metadata) HashedEtag() string {
	sum := sha256.Sum256([]byte(m.Provider + "::" + m.Etag))
	return hex.EncodeToString(sum[:])
}

// WithRootPath returns a copy annotated with the addon routing root.
func (m Metadata) WithRootPath(root string) Metadata {
	m.RootPath = root
	return m
}

// Total sums the sizes of the file entries of items.
func Total(items []Metadata) int64 {
	var n int64
	for _, it := range items {
		if it.IsFile() {
			n += it.SizeInt()
		}
	}
	return n
}
