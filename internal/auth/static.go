package auth

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
)

// StaticHandler serves descriptors configured up front, keyed by provider
// name. Every resource shares them.
type StaticHandler struct {
	descriptors map[string]provider.Descriptor
}

func NewStaticHandler(descriptors map[string]provider.Descriptor) *StaticHandler {
	out := make(map[string]provider.Descriptor, len(descriptors))
	for name, d := range descriptors {
		d.Name = name
		out[name] = d
	}
	return &StaticHandler{descriptors: out}
}

func (h *StaticHandler) Get(_ context.Context, req Request) (provider.Descriptor, error) {
	// Never log credentials.
	d, ok := h.descriptors[req.Provider]
	if !ok {
		log.Debug().
			Str("action", "auth_get").
			Str("method", "static").
			Str("provider", req.Provider).
			Msg("no descriptor configured")
		return provider.Descriptor{}, apierr.NotFound("provider %q is not configured", req.Provider)
	}
	log.Debug().
		Str("action", "auth_get").
		Str("method", "static").
		Str("provider", req.Provider).
		Str("type", string(req.Type)).
		Msg("descriptor resolved")
	return d, nil
}
