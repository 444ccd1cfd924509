// Package s3compat is a storage backend over one bucket of an S3-compatible
// object store. Folders are key prefixes; CreateFolder writes an empty
// "<prefix>/" placeholder object.
package s3compat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
	"github.com/Chapsvision-dev/storage-gateway/internal/util"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

const Name = "s3compat"

// deleteBatch is the DeleteObjects limit.
const deleteBatch = 1000

// Retry is the backoff applied to every S3 call.
var Retry = retry.Default

func init() {
	provider.Register(Name, New)
}

type Provider struct {
	provider.Base
	name      string
	client    *s3.Client
	bucket    string
	endpoint  string
	accessKey string
	pageSize  int32
	ro        retry.Options
}

// New builds a provider from its descriptor; see NewProvider.
func New(ctx context.Context, d provider.Descriptor) (provider.Provider, error) {
	return NewProvider(ctx, d)
}

// NewProvider builds the concrete provider, for backends that extend it.
// Credentials: "access_key", "secret_key". Settings: "host" (or
// "endpoint"), "bucket", "region", "use_ssl", "page_size".
func NewProvider(ctx context.Context, d provider.Descriptor) (*Provider, error) {
	s, err := settingsFromDescriptor(d)
	if err != nil {
		return nil, err
	}
	raw := d.Setting("page_size", "0")
	pageSize, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || pageSize < 0 {
		return nil, fmt.Errorf("s3compat: invalid page_size %q", raw)
	}
	client, err := newClient(ctx, s)
	if err != nil {
		return nil, err
	}
	name := d.Name
	if name == "" {
		name = Name
	}
	return &Provider{
		name:      name,
		client:    client,
		bucket:    s.Bucket,
		endpoint:  s.Endpoint,
		accessKey: s.AccessKey,
		pageSize:  int32(pageSize),
		ro:        Retry,
	}, nil
}

func (p *Provider) Name() string { return p.name }

// S3 exposes the underlying provider through embedding backends.
func (p *Provider) S3() *Provider { return p }

func (p *Provider) do(ctx context.Context, action, key string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, p.ro, isS3Retryable, func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", action).Str("bucket", p.bucket).Str("key", key).
			Int("attempt", attempt).Msg("starting attempt")
		if err := fn(ctx); err != nil {
			log.Debug().Err(err).Str("action", action).Str("bucket", p.bucket).Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		return nil
	})
}

func keyOf(path wbpath.Path) string {
	if path.IsRoot() {
		return ""
	}
	k := strings.Join(path.Segments(), "/")
	if path.IsFolder() {
		k += "/"
	}
	return k
}

func (p *Provider) ValidatePath(_ context.Context, raw string, _ url.Values) (wbpath.Path, error) {
	return wbpath.Validate(raw, nil)
}

type objectProps struct {
	Size        int64
	ContentType string
	ETag        string
	Modified    time.Time
	SHA256      string
	VersionID   string
}

func (p *Provider) head(ctx context.Context, key, version string) (objectProps, error) {
	in := &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)}
	if version != "" {
		in.VersionId = aws.String(version)
	}
	var props objectProps
	err := p.do(ctx, "s3_head", key, func(ctx context.Context) error {
		out, err := p.client.HeadObject(ctx, in)
		if err != nil {
			return err
		}
		props = objectProps{
			Size:        aws.ToInt64(out.ContentLength),
			ContentType: aws.ToString(out.ContentType),
			ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
			Modified:    aws.ToTime(out.LastModified),
			SHA256:      out.Metadata["sha256"],
			VersionID:   aws.ToString(out.VersionId),
		}
		return nil
	})
	return props, err
}

func (p *Provider) Metadata(ctx context.Context, path wbpath.Path, opts provider.MetadataOptions) (provider.Page, error) {
	if path.IsFile() {
		version := opts.Version
		if version == "" {
			version = opts.Revision
		}
		props, err := p.head(ctx, keyOf(path), version)
		if err != nil {
			return provider.Page{}, metadataError(path, err)
		}
		m, err := p.fileMeta(path, props)
		return provider.Page{Items: []metadata.Metadata{m}}, err
	}

	prefix := keyOf(path)
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	if opts.PageToken != "" {
		in.ContinuationToken = aws.String(opts.PageToken)
	}
	if p.pageSize > 0 {
		in.MaxKeys = aws.Int32(p.pageSize)
	}
	var out *s3.ListObjectsV2Output
	err := p.do(ctx, "s3_list", prefix, func(ctx context.Context) error {
		var err error
		out, err = p.client.ListObjectsV2(ctx, in)
		return err
	})
	if err != nil {
		return provider.Page{}, metadataError(path, err)
	}

	page := provider.Page{}
	if aws.ToBool(out.IsTruncated) {
		page.Next = aws.ToString(out.NextContinuationToken)
	}
	placeholder := false
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if name == "" {
			continue
		}
		m, err := metadata.NewFolder(p.name, metadata.Attrs{Path: path.Child(name, true)})
		if err != nil {
			return provider.Page{}, err
		}
		page.Items = append(page.Items, m)
	}
	for _, obj := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		if name == "" {
			placeholder = true
			continue
		}
		m, err := p.fileMeta(path.Child(name, false), objectProps{
			Size:     aws.ToInt64(obj.Size),
			ETag:     strings.Trim(aws.ToString(obj.ETag), `"`),
			Modified: aws.ToTime(obj.LastModified),
		})
		if err != nil {
			return provider.Page{}, err
		}
		page.Items = append(page.Items, m)
	}
	if !path.IsRoot() && opts.PageToken == "" && page.Next == "" && len(page.Items) == 0 && !placeholder {
		return provider.Page{}, apierr.Metadata(404, "could not retrieve file or directory %s", path)
	}
	return page, nil
}

// Revisions lists object versions, newest first. Unversioned buckets report
// a single "null" version.
func (p *Provider) Revisions(ctx context.Context, path wbpath.Path) ([]metadata.Revision, error) {
	if !path.IsFile() {
		return nil, apierr.InvalidPath("revisions are only available for files")
	}
	key := keyOf(path)
	var out []metadata.Revision
	in := &s3.ListObjectVersionsInput{Bucket: aws.String(p.bucket), Prefix: aws.String(key)}
	for {
		var resp *s3.ListObjectVersionsOutput
		err := p.do(ctx, "s3_revisions", key, func(ctx context.Context) error {
			var err error
			resp, err = p.client.ListObjectVersions(ctx, in)
			return err
		})
		if err != nil {
			return nil, metadataError(path, err)
		}
		for _, v := range resp.Versions {
			if aws.ToString(v.Key) != key {
				continue
			}
			out = append(out, metadata.Revision{
				Version:           aws.ToString(v.VersionId),
				VersionIdentifier: "version",
				Modified:          metadata.FormatTime(aws.ToTime(v.LastModified)),
				Extra:             map[string]any{"latest": aws.ToBool(v.IsLatest)},
			})
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		in.KeyMarker = resp.NextKeyMarker
		in.VersionIdMarker = resp.NextVersionIdMarker
	}
	if len(out) == 0 {
		return nil, apierr.Metadata(404, "could not retrieve file or directory %s", path)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Modified > out[j].Modified })
	return out, nil
}

func (p *Provider) Download(ctx context.Context, path wbpath.Path) (io.ReadCloser, int64, error) {
	key := keyOf(path)
	var out *s3.GetObjectOutput
	err := p.do(ctx, "s3_download", key, func(ctx context.Context) error {
		var err error
		out, err = p.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, apierr.NotFound("%s not found", path)
		}
		return nil, 0, fmt.Errorf("download %s: %w", path, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Upload spools r to a local temp file so the put is seekable and can be
// retried, then stores it with its sha256 as object metadata.
func (p *Provider) Upload(ctx context.Context, r io.Reader, _ int64, path wbpath.Path) (metadata.Metadata, bool, error) {
	if !path.IsFile() {
		return metadata.Metadata{}, false, apierr.InvalidPath("cannot upload to folder path %s", path)
	}
	key := keyOf(path)

	spool, err := os.CreateTemp("", "storagegw-s3-*")
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("create spool: %w", err)
	}
	defer func() {
		if cerr := spool.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("file", spool.Name()).Msg("failed to close spool file")
		}
		_ = os.Remove(spool.Name())
	}()
	hr := util.NewHashingReader(r)
	n, err := io.Copy(spool, hr)
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("spool %s: %w", path, err)
	}
	sum := hr.Sum()

	_, existed, err := p.Exists(ctx, path)
	if err != nil {
		return metadata.Metadata{}, false, err
	}

	start := time.Now()
	err = p.do(ctx, "s3_upload", key, func(ctx context.Context) error {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(p.bucket),
			Key:           aws.String(key),
			Body:          io.NewSectionReader(spool, 0, n),
			ContentLength: aws.Int64(n),
			Metadata:      map[string]string{"sha256": sum},
		})
		return err
	})
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("upload %s: %w", path, err)
	}

	props, err := p.head(ctx, key, "")
	if err != nil {
		return metadata.Metadata{}, false, fmt.Errorf("validate (head) %s: %w", path, err)
	}
	if props.Size != n {
		return metadata.Metadata{}, false, fmt.Errorf("size mismatch: local=%d, remote=%d", n, props.Size)
	}
	if props.SHA256 == "" {
		props.SHA256 = sum
	}
	log.Info().Str("action", "s3_upload").Str("bucket", p.bucket).Str("key", key).
		Int64("size", n).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")

	m, err := p.fileMeta(path, props)
	return m, !existed, err
}

func (p *Provider) CreateFolder(ctx context.Context, path wbpath.Path) (metadata.Metadata, error) {
	if !path.IsFolder() || path.IsRoot() {
		return metadata.Metadata{}, apierr.InvalidPath("%s is not a folder path", path)
	}
	if _, ok, err := p.Exists(ctx, path); err != nil {
		return metadata.Metadata{}, err
	} else if ok {
		return metadata.Metadata{}, apierr.Conflict("folder %s already exists", path)
	}
	key := keyOf(path)
	err := p.do(ctx, "s3_create_folder", key, func(ctx context.Context) error {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(p.bucket),
			Key:           aws.String(key),
			Body:          strings.NewReader(""),
			ContentLength: aws.Int64(0),
		})
		return err
	})
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("create folder %s: %w", path, err)
	}
	return metadata.NewFolder(p.name, metadata.Attrs{Path: path})
}

func (p *Provider) Delete(ctx context.Context, path wbpath.Path) error {
	if path.IsRoot() {
		return apierr.InvalidParameters("cannot delete the root folder")
	}
	keys, err := p.keysUnder(ctx, path)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return apierr.NotFound("%s not found", path)
	}
	return p.deleteKeys(ctx, keys)
}

func (p *Provider) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		objs := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objs = append(objs, types.ObjectIdentifier{Key: aws.String(k)})
		}
		err := p.do(ctx, "s3_delete", keys[start], func(ctx context.Context) error {
			out, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(p.bucket),
				Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return err
			}
			if len(out.Errors) > 0 {
				e := out.Errors[0]
				return fmt.Errorf("delete %s: %s: %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// keysUnder returns the object behind a file path, or every object below a
// folder prefix including its placeholder.
func (p *Provider) keysUnder(ctx context.Context, path wbpath.Path) ([]string, error) {
	if path.IsFile() {
		if _, ok, err := p.Exists(ctx, path); err != nil || !ok {
			return nil, err
		}
		return []string{keyOf(path)}, nil
	}
	prefix := keyOf(path)
	var keys []string
	pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		var out *s3.ListObjectsV2Output
		err := p.do(ctx, "s3_list_flat", prefix, func(ctx context.Context) error {
			var err error
			out, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (p *Provider) Exists(ctx context.Context, path wbpath.Path) (metadata.Metadata, bool, error) {
	if path.IsRoot() {
		err := p.do(ctx, "s3_head_bucket", "", func(ctx context.Context) error {
			_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
			return err
		})
		if err != nil {
			if isNotFound(err) {
				return metadata.Metadata{}, false, nil
			}
			return metadata.Metadata{}, false, err
		}
		m, err := metadata.NewFolder(p.name, metadata.Attrs{Path: path})
		return m, true, err
	}
	page, err := p.Metadata(ctx, path, provider.MetadataOptions{})
	if err != nil {
		if apierr.StatusOf(err) == 404 {
			return metadata.Metadata{}, false, nil
		}
		return metadata.Metadata{}, false, err
	}
	if path.IsFile() {
		return page.Items[0], true, nil
	}
	m, err := metadata.NewFolder(p.name, metadata.Attrs{Path: path})
	return m, true, err
}

func (p *Provider) CanIntraMove(dest provider.Provider, _ wbpath.Path) bool {
	return p.peer(dest) != nil
}

func (p *Provider) CanIntraCopy(dest provider.Provider, _ wbpath.Path) bool {
	return p.peer(dest) != nil
}

// peer returns dest's S3 provider when it lives on the same endpoint under
// the same credentials, so objects can be copied server-side.
func (p *Provider) peer(dest provider.Provider) *Provider {
	s, ok := dest.(interface{ S3() *Provider })
	if !ok {
		return nil
	}
	other := s.S3()
	if other.endpoint != p.endpoint || other.accessKey != p.accessKey {
		return nil
	}
	return other
}

func (p *Provider) IntraMove(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	return p.intra(ctx, dest, src, dst, opts, true)
}

func (p *Provider) IntraCopy(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions) (provider.Outcome, error) {
	return p.intra(ctx, dest, src, dst, opts, false)
}

func (p *Provider) intra(ctx context.Context, dest provider.Provider, src, dst wbpath.Path, opts provider.TransferOptions, move bool) (provider.Outcome, error) {
	other := p.peer(dest)
	if other == nil {
		return provider.Outcome{}, provider.ErrIntraUnsupported
	}
	sameBucket := other.bucket == p.bucket
	if sameBucket && src.IsFolder() && (src.Equal(dst) || src.IsAncestorOf(dst)) {
		return provider.Outcome{}, apierr.Conflict("cannot transfer folder %s into itself", src)
	}
	keys, err := p.keysUnder(ctx, src)
	if err != nil {
		return provider.Outcome{}, err
	}
	if len(keys) == 0 {
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
	if sameBucket && target.Equal(src) {
		m, _, err := p.Exists(ctx, target)
		return provider.Outcome{Metadata: m}, err
	}
	if existed {
		if err := other.Delete(ctx, target); err != nil && apierr.KindOf(err) != apierr.KindNotFound {
			return provider.Outcome{}, fmt.Errorf("replace %s: %w", target, err)
		}
	}

	start := time.Now()
	srcKey, dstKey := keyOf(src), keyOf(target)
	for _, key := range keys {
		to := dstKey + strings.TrimPrefix(key, srcKey)
		err := p.do(ctx, "s3_copy", to, func(ctx context.Context) error {
			_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(other.bucket),
				Key:        aws.String(to),
				CopySource: aws.String(url.PathEscape(p.bucket + "/" + key)),
			})
			return err
		})
		if err != nil {
			return provider.Outcome{}, fmt.Errorf("copy %s -> %s: %w", key, to, err)
		}
	}
	if move {
		if err := p.deleteKeys(ctx, keys); err != nil {
			return provider.Outcome{}, fmt.Errorf("delete source %s: %w", src, err)
		}
	}
	log.Info().Str("action", "s3_intra").Str("bucket", p.bucket).Str("dest_bucket", other.bucket).
		Str("src", srcKey).Str("dst", dstKey).Bool("move", move).Int("objects", len(keys)).
		Dur("elapsed_ms", time.Since(start)).Msg("server-side transfer OK")

	m, _, err := other.Exists(ctx, target)
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Metadata: m, Created: !existed}, nil
}

func (p *Provider) fileMeta(path wbpath.Path, props objectProps) (metadata.Metadata, error) {
	extra := map[string]any{}
	if props.SHA256 != "" {
		extra["sha256"] = props.SHA256
	}
	if props.VersionID != "" {
		extra["version"] = props.VersionID
	}
	size := props.Size
	return metadata.NewFile(p.name, metadata.Attrs{
		Path:        path,
		Size:        &size,
		ContentType: props.ContentType,
		Modified:    metadata.FormatTime(props.Modified),
		Etag:        props.ETag,
		Extra:       extra,
	})
}

func metadataError(path wbpath.Path, err error) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	if isNotFound(err) {
		return apierr.Metadata(404, "could not retrieve file or directory %s", path)
	}
	return fmt.Errorf("s3 %s: %w", path, err)
}

var _ provider.Reviser = (*Provider)(nil)
