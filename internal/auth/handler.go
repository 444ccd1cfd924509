// Package auth resolves the provider descriptor (auth, credentials, settings)
// a caller may use for one side of a move or copy.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/config"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
)

// Type tells the collaborator which side of a transfer is being resolved.
type Type string

const (
	TypeSource      Type = "source"
	TypeDestination Type = "destination"
)

// Request identifies what the caller wants to do.
type Request struct {
	Resource string
	Provider string
	Action   string
	Type     Type
	Path     string
	Version  string
	Header   http.Header
}

// Handler abstracts where provider descriptors come from.
type Handler interface {
	Get(ctx context.Context, req Request) (provider.Descriptor, error)
}

// New selects the handler based on cfg.Auth.Method.
// This package never initializes logging; main() does via logx.InitFromEnv().
func New(cfg config.Config) (Handler, error) {
	method := strings.ToLower(strings.TrimSpace(cfg.Auth.Method))
	switch method {
	case "static":
		log.Debug().
			Str("action", "auth_new").
			Str("method", "static").
			Int("providers", len(cfg.Auth.Credentials)).
			Msg("auth handler selected")
		return NewStaticHandler(cfg.Auth.Credentials), nil

	case "remote":
		log.Debug().
			Str("action", "auth_new").
			Str("method", "remote").
			Str("url", cfg.Auth.URL).
			Msg("auth handler selected")
		return newRemoteHandler(cfg)

	default:
		return nil, errors.New("unsupported auth method: " + method)
	}
}
