package wbpath

import "strings"

// SplitAddonRoot removes the first segment of raw and returns it as the
// routing root. The trailing separator survives only when segments remain.
func SplitAddonRoot(raw string) (root, rest string) {
	parts := strings.Split(strings.Trim(raw, Separator), Separator)
	root = parts[0]
	parts = parts[1:]
	if len(parts) == 0 {
		return root, Separator
	}
	rest = Separator + strings.Join(parts, Separator)
	if strings.HasSuffix(raw, Separator) {
		rest += Separator
	}
	return root, rest
}

// FirstSegment returns the first segment of raw without modifying it.
func FirstSegment(raw string) string {
	return strings.Split(strings.Trim(raw, Separator), Separator)[0]
}

// JoinRoot re-attaches a routing root to a backend-facing path.
func JoinRoot(root, path string) string {
	if root == "" {
		return path
	}
	if path == "" || path == Separator {
		return Separator + root + Separator
	}
	return Separator + root + path
}
