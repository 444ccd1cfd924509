// Package transfer streams files and folders between two providers when
// neither can perform the operation natively. The destination is left either
// untouched or fully written.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/metrics"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/util"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// ErrIncomplete reports a destination write that does not match the bytes
// read from the source.
var ErrIncomplete = errors.New("incomplete transfer")

type Options struct {
	Conflict provider.ConflictPolicy
	Rename   string
	Metrics  *metrics.Metrics
}

// stagingPrefix names the temporary sibling a replaced folder is built in.
const stagingPrefix = ".storagegw-replace-"

// ReplaceError is returned when a folder was fully copied and the old one
// deleted, but the copy could not be renamed over it. The new content is
// left at Staging.
type ReplaceError struct {
	Target  string
	Staging string
	Err     error
}

func (e *ReplaceError) Error() string {
	return fmt.Sprintf("replaced %s but the new content remains at %s: %v", e.Target, e.Staging, e.Err)
}

func (e *ReplaceError) Unwrap() []error {
	return []error{
		apierr.New(apierr.KindPartialFailure, http.StatusInternalServerError, "replace completed partially"),
		e.Err,
	}
}

// PartialMoveError is returned by Move when the copy succeeded but the source
// could not be deleted. Outcome describes the completed copy.
type PartialMoveError struct {
	Outcome provider.Outcome
	Source  string
	Err     error
}

func (e *PartialMoveError) Error() string {
	return fmt.Sprintf("copied to %s but failed to delete source %s: %v", e.Outcome.Metadata.Path, e.Source, e.Err)
}

func (e *PartialMoveError) Unwrap() []error {
	return []error{
		apierr.New(apierr.KindPartialFailure, http.StatusInternalServerError, "move completed partially"),
		e.Err,
	}
}

// Copy writes src into the dst folder under opts.Rename, or the source name.
func Copy(ctx context.Context, src provider.Provider, srcPath wbpath.Path, dst provider.Provider, dstFolder wbpath.Path, opts Options) (provider.Outcome, error) {
	start := time.Now()
	if !dstFolder.IsFolder() {
		return provider.Outcome{}, apierr.InvalidPath("destination %s is not a folder", dstFolder)
	}
	if src == dst && srcPath.IsFolder() && (srcPath.Equal(dstFolder) || srcPath.IsAncestorOf(dstFolder)) {
		return provider.Outcome{}, apierr.Conflict("cannot copy folder %s into itself", srcPath)
	}

	name := opts.Rename
	if name == "" {
		name = srcPath.Name()
	}
	target, existed, err := provider.ResolveTarget(ctx, dst, dstFolder, name, srcPath.IsFolder(), opts.Conflict)
	if err != nil {
		return provider.Outcome{}, err
	}

	var m metadata.Metadata
	switch {
	case srcPath.IsFolder() && existed:
		m, err = replaceFolder(ctx, src, srcPath, dst, target, opts)
	case srcPath.IsFolder():
		m, err = copyFolder(ctx, src, srcPath, dst, target, opts)
	default:
		// Upload overwrites in place, so an existing file survives a failed write.
		m, err = copyFile(ctx, src, srcPath, dst, target, opts)
	}
	if err != nil {
		if !existed {
			cleanup(ctx, dst, target)
		}
		return provider.Outcome{}, err
	}

	log.Info().Str("action", "transfer").Str("from", src.Name()+":"+srcPath.String()).
		Str("to", dst.Name()+":"+target.String()).Bool("created", !existed).
		Dur("elapsed_ms", time.Since(start)).Msg("copy completed")
	return provider.Outcome{Metadata: m, Created: !existed}, nil
}

// Move copies then deletes the source.
func Move(ctx context.Context, src provider.Provider, srcPath wbpath.Path, dst provider.Provider, dstFolder wbpath.Path, opts Options) (provider.Outcome, error) {
	out, err := Copy(ctx, src, srcPath, dst, dstFolder, opts)
	if err != nil {
		return provider.Outcome{}, err
	}
	if err := src.Delete(ctx, srcPath); err != nil {
		log.Warn().Err(err).Str("action", "transfer").Str("source", srcPath.String()).Msg("source delete failed after copy")
		return out, &PartialMoveError{Outcome: out, Source: srcPath.String(), Err: err}
	}
	return out, nil
}

func copyFile(ctx context.Context, src provider.Provider, srcPath wbpath.Path, dst provider.Provider, target wbpath.Path, opts Options) (metadata.Metadata, error) {
	rc, size, err := src.Download(ctx, srcPath)
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("download %s: %w", srcPath, err)
	}
	defer rc.Close()

	hr := util.NewHashingReader(rc)
	m, _, err := dst.Upload(ctx, hr, size, target)
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("upload %s: %w", target, err)
	}
	if err := verify(hr, size, m); err != nil {
		return metadata.Metadata{}, apierr.Provider(dst.Name(), fmt.Errorf("%s: %w", target, err))
	}
	if opts.Metrics != nil {
		opts.Metrics.BytesCopied.Add(float64(hr.Size()))
	}
	return m, nil
}

func verify(hr *util.HashingReader, size int64, m metadata.Metadata) error {
	if size >= 0 && hr.Size() != size {
		return fmt.Errorf("%w: read %d of %d bytes", ErrIncomplete, hr.Size(), size)
	}
	if m.Size != nil && *m.Size != hr.Size() {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrIncomplete, *m.Size, hr.Size())
	}
	if sum, ok := m.Extra["sha256"].(string); ok && sum != "" && sum != hr.Sum() {
		return fmt.Errorf("%w: checksum mismatch", ErrIncomplete)
	}
	return nil
}

func copyFolder(ctx context.Context, src provider.Provider, srcPath wbpath.Path, dst provider.Provider, target wbpath.Path, opts Options) (metadata.Metadata, error) {
	m, err := dst.CreateFolder(ctx, target)
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("create folder %s: %w", target, err)
	}
	children, err := provider.ListAll(ctx, src, srcPath, provider.MetadataOptions{})
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("list %s: %w", srcPath, err)
	}
	for _, child := range children {
		childPath, err := child.WbPath()
		if err != nil {
			return metadata.Metadata{}, err
		}
		childTarget := target.Child(childPath.Name(), childPath.IsFolder())
		if childPath.IsFolder() {
			_, err = copyFolder(ctx, src, childPath, dst, childTarget, opts)
		} else {
			_, err = copyFile(ctx, src, childPath, dst, childTarget, opts)
		}
		if err != nil {
			return metadata.Metadata{}, err
		}
	}
	return m, nil
}

// replaceFolder writes the copy into a staging sibling of target and swaps
// it in once complete. Until the old folder is deleted a failure leaves it
// as it was; after that the new content is kept under the staging name and
// reported through ReplaceError.
func replaceFolder(ctx context.Context, src provider.Provider, srcPath wbpath.Path, dst provider.Provider, target wbpath.Path, opts Options) (metadata.Metadata, error) {
	staging := target.Sibling(stagingPrefix + uuid.NewString())
	if _, err := copyFolder(ctx, src, srcPath, dst, staging, opts); err != nil {
		cleanup(ctx, dst, staging)
		return metadata.Metadata{}, err
	}
	if err := dst.Delete(ctx, target); err != nil {
		cleanup(ctx, dst, staging)
		return metadata.Metadata{}, fmt.Errorf("replace %s: %w", target, err)
	}

	folder, name := target.Parent(), target.Name()
	promote := provider.TransferOptions{Conflict: provider.ConflictFail, Rename: name}
	var m metadata.Metadata
	var err error
	if dst.CanIntraMove(dst, staging) {
		var out provider.Outcome
		out, err = dst.IntraMove(ctx, dst, staging, folder, promote)
		m = out.Metadata
	} else {
		m, err = copyFolder(ctx, dst, staging, dst, target, opts)
		if err == nil {
			cleanup(ctx, dst, staging)
		}
	}
	if err != nil {
		log.Error().Err(err).Str("action", "transfer").Str("target", target.String()).
			Str("staging", staging.String()).Msg("replaced folder could not be put in place")
		return metadata.Metadata{}, &ReplaceError{Target: target.String(), Staging: staging.String(), Err: err}
	}
	return m, nil
}

// cleanup removes a partially written target, best effort.
func cleanup(ctx context.Context, dst provider.Provider, target wbpath.Path) {
	ctx = context.WithoutCancel(ctx)
	if _, ok, err := dst.Exists(ctx, target); err != nil || !ok {
		return
	}
	if err := dst.Delete(ctx, target); err != nil {
		log.Warn().Err(err).Str("action", "transfer").Str("target", target.String()).Msg("rollback failed")
	}
}
