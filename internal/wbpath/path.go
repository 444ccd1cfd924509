// Package wbpath models provider-relative paths.
//
// A Path is immutable. Folders always render with a trailing separator and
// files never do. Addon-routed providers carry an extra leading routing
// segment which is split off before the path reaches the backend and
// re-attached only when the path is rendered for clients.
package wbpath

import (
	"strings"
	"unicode"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
)

const Separator = "/"

type Path struct {
	segments []string
	folder   bool
	root     string // addon routing root, empty when not addon-routed
}

// Root returns the provider root folder.
func Root() Path { return Path{folder: true} }

// Validate parses raw into a Path. isFolder, when non-nil, must agree with
// the trailing separator of raw.
func Validate(raw string, isFolder *bool) (Path, error) {
	if raw == "" {
		return Path{}, apierr.InvalidPath("path must not be empty")
	}
	if !strings.HasPrefix(raw, Separator) {
		return Path{}, apierr.InvalidPath("path %q must start with %q", raw, Separator)
	}
	for _, r := range raw {
		if r == 0 || unicode.IsControl(r) {
			return Path{}, apierr.InvalidPath("path %q contains control characters", raw)
		}
	}

	folder := strings.HasSuffix(raw, Separator)
	if isFolder != nil && *isFolder != folder {
		if *isFolder {
			return Path{}, apierr.InvalidPath("folder path %q must end with %q", raw, Separator)
		}
		return Path{}, apierr.InvalidPath("file path %q must not end with %q", raw, Separator)
	}

	trimmed := strings.TrimSuffix(strings.TrimPrefix(raw, Separator), Separator)
	if trimmed == "" {
		return Root(), nil
	}
	parts := strings.Split(trimmed, Separator)
	for _, p := range parts {
		switch p {
		case "":
			return Path{}, apierr.InvalidPath("path %q contains an empty segment", raw)
		case ".", "..":
			return Path{}, apierr.InvalidPath("path %q contains a relative segment", raw)
		}
	}
	return Path{segments: parts, folder: folder}, nil
}

// MustParse is Validate for literals known to be valid; it panics otherwise.
func MustParse(raw string) Path {
	p, err := Validate(raw, nil)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) IsRoot() bool   { return len(p.segments) == 0 }
func (p Path) IsFolder() bool { return p.folder || p.IsRoot() }
func (p Path) IsFile() bool   { return !p.IsFolder() }

// Name is the last segment, or "" for the root.
func (p Path) Name() string {
	if p.IsRoot() {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Ext returns the extension of the leaf name including the dot.
func (p Path) Ext() string {
	name := p.Name()
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[i:]
	}
	return ""
}

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	return append([]string(nil), p.segments...)
}

// Parent returns the folder one level up. The root is its own parent.
func (p Path) Parent() Path {
	if len(p.segments) <= 1 {
		return Path{folder: true, root: p.root}
	}
	return Path{segments: p.Segments()[:len(p.segments)-1], folder: true, root: p.root}
}

// Child returns a new path one level below p.
func (p Path) Child(name string, folder bool) Path {
	segs := append(p.Segments(), name)
	return Path{segments: segs, folder: folder, root: p.root}
}

// Sibling returns a path in the same parent folder with a new leaf name.
func (p Path) Sibling(name string) Path {
	return p.Parent().Child(name, p.IsFolder())
}

// IsAncestorOf reports whether other lies strictly below p.
func (p Path) IsAncestorOf(other Path) bool {
	if !p.IsFolder() || len(other.segments) <= len(p.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// Equal compares segments and kind; the addon root is ignored.
func (p Path) Equal(other Path) bool {
	if p.IsFolder() != other.IsFolder() || len(p.segments) != len(other.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// String renders the backend-facing path.
func (p Path) String() string {
	if p.IsRoot() {
		return Separator
	}
	s := Separator + strings.Join(p.segments, Separator)
	if p.folder {
		s += Separator
	}
	return s
}

// Materialized is the path as the backend sees it, without the addon root.
func (p Path) Materialized() string { return p.String() }

// WithRoot records the addon routing root.
func (p Path) WithRoot(root string) Path {
	p.root = root
	return p
}

func (p Path) RootPath() string { return p.root }

// External renders the path with the addon root re-attached.
func (p Path) External() string {
	return JoinRoot(p.root, p.String())
}
