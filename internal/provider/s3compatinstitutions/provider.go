// Package s3compatinstitutions is the institution-storage flavour of
// s3compat: addon-routed, with per-user quota reported by the OSF.
package s3compatinstitutions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider/s3compat"
	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
	"github.com/Chapsvision-dev/storage-gateway/internal/signing"
)

const Name = "s3compatinstitutions"

// signedTTL bounds the validity of a signed quota request.
const signedTTL = 100 * time.Second

// Settings reach the OSF quota endpoint. They are process-wide and set once
// at startup through Configure.
type Settings struct {
	OSFURL     string
	Signer     signing.RequestSigner
	HTTPClient *http.Client
	Retry      retry.Options
}

var (
	mu       sync.RWMutex
	settings = Settings{Retry: retry.Default}
)

// Configure sets the OSF endpoint and signer used by quota lookups.
func Configure(s Settings) {
	mu.Lock()
	defer mu.Unlock()
	if s.HTTPClient == nil {
		s.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if s.Retry.MaxAttempts <= 0 {
		s.Retry = retry.Default
	}
	settings = s
}

func current() Settings {
	mu.RLock()
	defer mu.RUnlock()
	return settings
}

func init() {
	provider.Register(Name, New)
}

type Provider struct {
	*s3compat.Provider
	nid string

	mu   sync.Mutex
	root string
}

// New builds an s3compat provider for an institution bucket. Settings:
// "nid" (required) plus everything s3compat accepts.
func New(ctx context.Context, d provider.Descriptor) (provider.Provider, error) {
	nid := d.Setting("nid", "")
	if nid == "" {
		return nil, errors.New("s3compatinstitutions: nid is required")
	}
	if d.Name == "" {
		d.Name = Name
	}
	base, err := s3compat.NewProvider(ctx, d)
	if err != nil {
		return nil, err
	}
	return &Provider{Provider: base, nid: nid}, nil
}

// SetRootPath records the addon root the quota is scoped to.
func (p *Provider) SetRootPath(root string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = root
}

func (p *Provider) rootPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

type quotaRequest struct {
	Provider string `json:"provider"`
	Path     string `json:"path"`
}

// Quota asks the OSF for the user's usage of this institution storage.
func (p *Provider) Quota(ctx context.Context) (provider.QuotaReport, error) {
	s := current()
	if s.Signer == nil || s.OSFURL == "" {
		return provider.QuotaReport{}, errors.New("s3compatinstitutions: quota endpoint is not configured")
	}
	url := fmt.Sprintf("%s/api/v1/project/%s/institution_storage_user_quota/", s.OSFURL, p.nid)
	body := quotaRequest{Provider: Name, Path: p.rootPath()}

	start := time.Now()
	report, err := retry.DoValue(ctx, s.Retry, retry.IsTransient, func(ctx context.Context) (provider.QuotaReport, error) {
		req, err := s.Signer.NewRequest(ctx, http.MethodPost, url, body, signedTTL)
		if err != nil {
			return provider.QuotaReport{}, err
		}
		resp, err := s.HTTPClient.Do(req)
		if err != nil {
			return provider.QuotaReport{}, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return provider.QuotaReport{}, &retry.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		var qr provider.QuotaReport
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			return provider.QuotaReport{}, fmt.Errorf("decode quota: %w", err)
		}
		return qr, nil
	})
	if err != nil {
		return provider.QuotaReport{}, apierr.Provider(Name, fmt.Errorf("quota of %s: %w", p.nid, err))
	}
	log.Debug().Str("action", "institution_quota").Str("nid", p.nid).Str("root", p.rootPath()).
		Int64("used", report.Used).Int64("max", report.Max).Dur("elapsed_ms", time.Since(start)).Msg("quota fetched")
	return report, nil
}

var (
	_ provider.QuotaReporter = (*Provider)(nil)
	_ provider.RootScoped    = (*Provider)(nil)
)
