package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// ConflictPolicy is the rule applied when the destination already holds an
// entry with the target name.
type ConflictPolicy string

const (
	ConflictFail    ConflictPolicy = "fail"
	ConflictReplace ConflictPolicy = "replace"
	// ConflictKeep keeps both entries by suffixing the new name: "a (1).txt".
	ConflictKeep ConflictPolicy = "keep"
)

// ParseConflict resolves a client-supplied policy, falling back to def when
// raw is empty.
func ParseConflict(raw string, def ConflictPolicy) (ConflictPolicy, error) {
	switch c := ConflictPolicy(strings.ToLower(strings.TrimSpace(raw))); c {
	case "":
		return def, nil
	case ConflictFail, ConflictReplace, ConflictKeep:
		return c, nil
	case "rename":
		return ConflictKeep, nil
	default:
		return "", apierr.InvalidParameters(`conflict must be "fail", "replace" or "keep", not %q`, raw)
	}
}

// ResolveTarget picks the destination path for an entry called name inside
// folder on dst, applying policy. existed reports that the returned path is
// occupied and must be overwritten (ConflictReplace only).
func ResolveTarget(ctx context.Context, dst Provider, folder wbpath.Path, name string, isFolder bool, policy ConflictPolicy) (target wbpath.Path, existed bool, err error) {
	target = folder.Child(name, isFolder)
	_, found, err := dst.Exists(ctx, target)
	if err != nil {
		return wbpath.Path{}, false, err
	}
	if !found {
		return target, false, nil
	}

	switch policy {
	case ConflictReplace:
		return target, true, nil
	case ConflictKeep:
		stem, ext := name, ""
		if !isFolder {
			if i := strings.LastIndex(name, "."); i > 0 {
				stem, ext = name[:i], name[i:]
			}
		}
		for n := 1; ; n++ {
			candidate := folder.Child(fmt.Sprintf("%s (%d)%s", stem, n, ext), isFolder)
			_, found, err := dst.Exists(ctx, candidate)
			if err != nil {
				return wbpath.Path{}, false, err
			}
			if !found {
				return candidate, false, nil
			}
		}
	default:
		return wbpath.Path{}, false, apierr.Conflict("destination %s already exists", target)
	}
}
