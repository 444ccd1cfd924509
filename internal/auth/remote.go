package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/config"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
	"github.com/Chapsvision-dev/storage-gateway/internal/signing"
)

// RemoteHandler asks an external service for descriptors. Requests are
// signed, and the caller's Authorization header is forwarded.
type RemoteHandler struct {
	url    string
	signer *signing.Signer
	client *http.Client
	retry  retry.Options
}

func newRemoteHandler(cfg config.Config) (*RemoteHandler, error) {
	if strings.TrimSpace(cfg.Auth.URL) == "" {
		return nil, errors.New("remote auth requires url")
	}
	signer, err := signing.NewSigner(cfg.Signing.Secret, cfg.Signing.Algorithm)
	if err != nil {
		return nil, err
	}
	return NewRemoteHandler(cfg.Auth.URL, signer, cfg.RetryOptions()), nil
}

func NewRemoteHandler(url string, signer *signing.Signer, opts retry.Options) *RemoteHandler {
	return &RemoteHandler{
		url:    url,
		signer: signer,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  opts,
	}
}

type remoteResponse struct {
	Payload     string         `json:"payload"`
	Auth        map[string]any `json:"auth"`
	Credentials map[string]any `json:"credentials"`
	Settings    map[string]any `json:"settings"`
}

// Get resolves the descriptor for req, retrying transient failures.
func (h *RemoteHandler) Get(ctx context.Context, req Request) (provider.Descriptor, error) {
	start := time.Now()
	body := map[string]any{
		"nid":      req.Resource,
		"provider": req.Provider,
		"action":   req.Action,
		"type":     string(req.Type),
		"path":     req.Path,
	}
	if req.Version != "" {
		body["version"] = req.Version
	}

	out, err := retry.DoValue(ctx, h.retry, retry.IsTransient, func(ctx context.Context) (remoteResponse, error) {
		return h.do(ctx, req, body)
	})
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) {
			return provider.Descriptor{}, err
		}
		return provider.Descriptor{}, apierr.Provider("auth", err)
	}

	if out.Payload != "" {
		claims, err := h.signer.Verify(out.Payload)
		if err != nil {
			return provider.Descriptor{}, apierr.Provider("auth", err)
		}
		out.Auth = asMap(claims["auth"])
		out.Credentials = asMap(claims["credentials"])
		out.Settings = asMap(claims["settings"])
	}

	// Log success; never credentials.
	log.Info().
		Str("action", "auth_get").
		Str("method", "remote").
		Str("provider", req.Provider).
		Str("type", string(req.Type)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("descriptor resolved")

	return provider.Descriptor{
		Name:        req.Provider,
		Auth:        out.Auth,
		Credentials: out.Credentials,
		Settings:    out.Settings,
	}, nil
}

func (h *RemoteHandler) do(ctx context.Context, req Request, body map[string]any) (remoteResponse, error) {
	httpReq, err := h.signer.NewRequest(ctx, http.MethodPost, h.url, body, signing.DefaultTTL)
	if err != nil {
		return remoteResponse{}, err
	}
	if v := req.Header.Get("Authorization"); v != "" {
		httpReq.Header.Set("Authorization", v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return remoteResponse{}, fmt.Errorf("auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return remoteResponse{}, apierr.Unauthorized(resp.StatusCode, "not authorized for "+req.Provider)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return remoteResponse{}, apierr.NotFound("resource %s not found", req.Resource)
	default:
		// Handle other responses with a trimmed body snippet.
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return remoteResponse{}, fmt.Errorf("auth request failed: %w (%s)",
			&retry.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}, strings.TrimSpace(string(data)))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return remoteResponse{}, fmt.Errorf("decode auth response: %w", err)
	}
	return out, nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
