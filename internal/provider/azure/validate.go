package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// checkContainer checks access using a minimal list (SAS sr=c cannot create containers).
func (p *Provider) checkContainer(ctx context.Context) error {
	return p.do(ctx, "azure_container_check", "", func(ctx context.Context) error {
		pager := p.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
			MaxResults: to.Ptr(int32(1)),
		})
		if !pager.More() {
			return nil
		}
		_, err := pager.NextPage(ctx)
		switch {
		case err == nil:
			return nil
		case bloberror.HasCode(err, bloberror.ContainerNotFound):
			return apierr.NotFound("container %q not found", p.containerName)
		case bloberror.HasCode(err, bloberror.AuthorizationFailure,
			bloberror.AuthorizationPermissionMismatch,
			bloberror.AuthenticationFailed):
			return apierr.Unauthorized(http.StatusForbidden,
				fmt.Sprintf("not authorized for container %q; ensure a container SAS with at least rwdl", p.containerName))
		}
		return err
	})
}

// isAzRetryable: retry rules for Azure (timeout, 5xx, 429, 408, ServerBusy).
func isAzRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests || re.StatusCode == http.StatusRequestTimeout {
			return true
		}
		if re.StatusCode >= 500 && re.StatusCode <= 599 {
			return true
		}
		if re.ErrorCode == string(bloberror.ServerBusy) {
			return true
		}
	}
	return false
}

// isNotFound matches missing blobs, including HEAD responses that carry no
// error code.
func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// metadataError maps a failed lookup of path to the API error kinds.
func metadataError(path wbpath.Path, err error) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	if isNotFound(err) {
		return apierr.Metadata(http.StatusNotFound, "could not retrieve file or directory %s", path)
	}
	return fmt.Errorf("azure %s: %w", path, err)
}
