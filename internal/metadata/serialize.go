package metadata

import (
	"net/url"
	"strings"
	"time"

	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// Layouts accepted by NormalizeTime, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 MST",
}

const utcLayout = "2006-01-02T15:04:05-07:00"

// NormalizeTime converts a provider timestamp to UTC in "+00:00" form.
// Unparseable or empty input yields "".
func NormalizeTime(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(utcLayout)
		}
	}
	return ""
}

// FormatTime renders t the way providers report modification times.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Serialized is the flat attribute map shared by every response shape.
func (m Metadata) Serialized() map[string]any {
	extra := m.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	out := map[string]any{
		"extra":        extra,
		"kind":         string(m.Kind),
		"name":         m.Name,
		"path":         m.Path,
		"provider":     m.Provider,
		"materialized": m.MaterializedPath,
		"etag":         m.HashedEtag(),
		"modified":     nullable(m.Modified),
		"modified_utc": nullable(m.ModifiedUTC),
		"created_utc":  nullable(m.CreatedUTC),
	}
	if m.IsFile() {
		out["contentType"] = nullable(m.ContentType)
		if m.Size != nil {
			out["size"] = *m.Size
			out["sizeInt"] = *m.Size
		} else {
			out["size"] = nil
			out["sizeInt"] = nil
		}
	} else {
		out["created"] = nullable(m.Created)
	}
	return out
}

// JSONAPISerialized renders m as a single JSON:API resource object.
// When RootPath is set the routing root is folded back into the path.
func (m Metadata) JSONAPISerialized(baseURL, resource string) map[string]any {
	attrs := m.Serialized()
	attrs["resource"] = resource
	path := m.Path
	if m.RootPath != "" {
		path = wbpath.JoinRoot(m.RootPath, m.Path)
		attrs["path"] = path
		attrs["materialized"] = wbpath.JoinRoot(m.RootPath, m.MaterializedPath)
	}
	if m.IsFolder() {
		attrs["size"] = nil
		attrs["sizeInt"] = nil
	}
	return map[string]any{
		"id":         m.Provider + path,
		"type":       "files",
		"attributes": attrs,
		"links":      m.links(baseURL, resource, path),
	}
}

// EntityURL is the canonical API URL of the entry.
func EntityURL(baseURL, resource, provider, path string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/resources/" + url.PathEscape(resource) +
		"/providers/" + url.PathEscape(provider) + escapePath(path)
}

// escapePath escapes each segment, keeping the separators.
func escapePath(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (m Metadata) links(baseURL, resource, path string) map[string]string {
	u := EntityURL(baseURL, resource, m.Provider, path)
	links := map[string]string{
		"move":   u,
		"upload": u + "?kind=file",
		"delete": u,
	}
	if m.IsFile() {
		links["download"] = u
	} else {
		links["new_folder"] = u + "?kind=folder"
	}
	return links
}

// Revision is one historical version of a file.
type Revision struct {
	Version           string         `json:"version"`
	VersionIdentifier string         `json:"versionIdentifier"`
	Modified          string         `json:"modified"`
	Extra             map[string]any `json:"extra,omitempty"`
}

func (r Revision) Serialized() map[string]any {
	extra := r.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	return map[string]any{
		"extra":             extra,
		"version":           r.Version,
		"modified":          nullable(r.Modified),
		"modified_utc":      nullable(NormalizeTime(r.Modified)),
		"versionIdentifier": r.VersionIdentifier,
	}
}

func (r Revision) JSONAPISerialized() map[string]any {
	return map[string]any{
		"id":         r.Version,
		"type":       "file_versions",
		"attributes": r.Serialized(),
	}
}
