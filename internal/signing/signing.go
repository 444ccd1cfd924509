// Package signing builds HMAC-signed requests for institutional callbacks
// (quota lookups, remote auth). Payloads travel as HS256/HS512 JWTs so the
// receiving side can verify both integrity and expiry.
package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL bounds the validity of a signed payload.
const DefaultTTL = 100 * time.Second

// TokenField carries the signed payload in bodies and query strings.
const TokenField = "token"

var queryMethods = map[string]bool{http.MethodGet: true, http.MethodDelete: true}

// RequestSigner builds signed requests; *Signer is the only implementation
// outside tests.
type RequestSigner interface {
	BuildSignedURL(method, rawURL string, body []byte, params url.Values, ttl time.Duration) (string, []byte, url.Values, error)
	NewRequest(ctx context.Context, method, rawURL string, payload any, ttl time.Duration) (*http.Request, error)
}

var _ RequestSigner = (*Signer)(nil)

type Signer struct {
	secret []byte
	method jwt.SigningMethod
}

// NewSigner accepts "sha256"/"HS256" or "sha512"/"HS512".
func NewSigner(secret, algorithm string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signing: empty secret")
	}
	var m jwt.SigningMethod
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", "sha256", "hs256":
		m = jwt.SigningMethodHS256
	case "sha512", "hs512":
		m = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("signing: unsupported algorithm %q", algorithm)
	}
	return &Signer{secret: []byte(secret), method: m}, nil
}

// Sign wraps payload into a signed token valid for ttl.
func (s *Signer) Sign(payload map[string]any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	now := time.Now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	return jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
}

// Verify checks a token and returns its payload without the time claims.
func (s *Signer) Verify(token string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{s.method.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	out := make(map[string]any, len(claims))
	for k, v := range claims {
		if k == "iat" || k == "exp" {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// BuildSignedURL signs query params for GET/DELETE and the JSON body
// otherwise, and makes sure the path part of rawURL ends with "/".
func (s *Signer) BuildSignedURL(method, rawURL string, body []byte, params url.Values, ttl time.Duration) (string, []byte, url.Values, error) {
	if queryMethods[strings.ToUpper(method)] {
		payload := map[string]any{}
		for k := range params {
			payload[k] = params.Get(k)
		}
		tok, err := s.Sign(payload, ttl)
		if err != nil {
			return "", nil, nil, err
		}
		params = url.Values{TokenField: {tok}}
	} else {
		payload := map[string]any{}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				return "", nil, nil, fmt.Errorf("signing: body is not a JSON object: %w", err)
			}
		}
		tok, err := s.Sign(payload, ttl)
		if err != nil {
			return "", nil, nil, err
		}
		body, err = json.Marshal(map[string]string{TokenField: tok})
		if err != nil {
			return "", nil, nil, err
		}
	}
	return withTrailingSlash(rawURL), body, params, nil
}

// NewRequest builds a signed JSON request ready to be sent.
func (s *Signer) NewRequest(ctx context.Context, method, rawURL string, payload any, ttl time.Duration) (*http.Request, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	u, body, params, err := s.BuildSignedURL(method, rawURL, body, nil, ttl)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func withTrailingSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	i := strings.Index(u, "?")
	if i < 0 {
		return u + "/"
	}
	if i > 0 && u[i-1] == '/' {
		return u
	}
	return u[:i] + "/" + u[i:]
}
