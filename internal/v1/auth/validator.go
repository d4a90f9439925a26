// Package auth verifies bearer tokens issued by the Auth collaborator. The
// core never issues tokens; it only validates them. Two modes are supported:
// symmetric HMAC verification against the shared signing secret, and JWKS
// verification against the collaborator's published keys.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/concord-im/concord/internal/v1/errs"
)

// Claims are the verified token claims the core trusts.
type Claims struct {
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Validator verifies JWTs using a key function plus issuer/audience checks.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewHMACValidator creates a Validator for tokens signed with the shared
// symmetric secret. The secret must be at least 32 bytes; config enforces this.
func NewHMACValidator(secret []byte, issuer, audience string) (*Validator, error) {
	if len(secret) < 32 {
		return nil, errs.New(errs.KindConfig, "jwt_secret_too_short", "JWT secret must be at least 32 bytes")
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuer, audience: audience}, nil
}

// NewJWKSValidator creates a Validator backed by the Auth collaborator's JWKS
// endpoint at https://{domain}/.well-known/jwks.json. Keys are cached and
// refreshed hourly.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: audience}, nil
}

// ValidateToken parses and validates a JWT, returning its claims. Expired
// tokens surface the stable "expired" code; every other failure is "invalid_token".
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.Wrap(errs.KindAuth, "expired", "token expired", err)
		}
		return nil, errs.Wrap(errs.KindAuth, "invalid_token", "invalid token", err)
	}

	if !token.Valid {
		return nil, errs.Auth("invalid_token", "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errs.Auth("invalid_token", "invalid token claims")
	}

	return claims, nil
}

// BearerFromRequest extracts a bearer token from the Authorization header or
// the "token" query parameter. The WebSocket handshake uses the query form
// since browsers cannot set headers on WS upgrades.
func BearerFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer "), nil
		}
		return "", errs.Auth("invalid_token", "malformed Authorization header")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errs.Auth("missing_token", "token not provided")
}
