package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/auth"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// MetadataHandler serves GET on an entry: file metadata, a full folder
// listing, or with ?revisions the revision list of a file.
func MetadataHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resource, name, raw := c.Param("resource"), c.Param("provider"), c.Param("path")
		_, wantRevisions := c.GetQuery("revisions")
		version := c.Query("version")

		action := "metadata"
		if wantRevisions {
			action = "revisions"
		}
		desc, err := d.Auth.Get(ctx, auth.Request{
			Resource: resource, Provider: name, Action: action, Type: auth.TypeSource,
			Path: raw, Version: version, Header: c.Request.Header,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		if desc.Name == "" {
			desc.Name = name
		}
		p, err := d.Registry.New(ctx, desc)
		if errors.Is(err, provider.ErrUnknownProvider) {
			writeError(c, apierr.NotFound("%v", err))
			return
		}
		if err != nil {
			writeError(c, apierr.Provider(name, err))
			return
		}

		root := ""
		if d.Addons.Contains(name) {
			root, raw = wbpath.SplitAddonRoot(raw)
		}
		path, err := p.ValidatePath(ctx, raw, c.Request.URL.Query())
		if err != nil {
			writeError(c, err)
			return
		}

		if wantRevisions {
			rv, ok := p.(provider.Reviser)
			if !ok || path.IsFolder() {
				writeError(c, apierr.InvalidParameters("revisions are only available for files of providers that keep them"))
				return
			}
			revs, err := rv.Revisions(ctx, path)
			if err != nil {
				writeError(c, err)
				return
			}
			data := make([]map[string]any, 0, len(revs))
			for _, r := range revs {
				data = append(data, r.JSONAPISerialized())
			}
			c.JSON(http.StatusOK, gin.H{"data": data})
			return
		}

		opts := provider.MetadataOptions{Version: version, Revision: c.Query("revision")}
		if path.IsFile() {
			page, err := p.Metadata(ctx, path, opts)
			if err != nil {
				writeError(c, err)
				return
			}
			if len(page.Items) == 0 {
				writeError(c, apierr.NotFound("%s not found", path))
				return
			}
			c.JSON(http.StatusOK, gin.H{"data": render(page.Items[0], root, d.BaseURL, resource)})
			return
		}

		items, err := provider.ListAll(ctx, p, path, opts)
		if err != nil {
			writeError(c, err)
			return
		}
		data := make([]map[string]any, 0, len(items))
		for _, it := range items {
			data = append(data, render(it, root, d.BaseURL, resource))
		}
		c.JSON(http.StatusOK, gin.H{"data": data})
	}
}

func render(m metadata.Metadata, root, baseURL, resource string) map[string]any {
	if root != "" {
		m = m.WithRootPath(root)
	}
	return m.JSONAPISerialized(baseURL, resource)
}
