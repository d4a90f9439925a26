// Package proxy is the HTTP ingress: it authenticates requests and forwards
// them to the collaborator owning the path prefix. The proxy stays protocol
// transparent; it never rewrites bodies or buffers streams.
package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/auth"
	"github.com/concord-im/concord/internal/v1/config"
	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/types"
)

// Headers the collaborators trust. Inbound copies are always stripped so
// clients cannot impersonate the proxy.
const (
	HeaderUserID    = "X-Concord-User-Id"
	HeaderUserRoles = "X-Concord-User-Roles"
)

// publicPrefixes bypass token verification: health probes and the Auth
// collaborator itself (token issuance happens there).
var publicPrefixes = []string{"/health", "/api/auth", "/.well-known"}

type route struct {
	prefix string
	rp     *httputil.ReverseProxy
}

// Proxy routes by longest matching path prefix; unmatched paths go to the
// Chat collaborator.
type Proxy struct {
	routes    []route
	fallback  *httputil.ReverseProxy
	validator types.TokenValidator
}

// New builds the routing table from the collaborator URLs. Empty URLs drop
// their prefix from the table; the Chat URL is required.
func New(cfg *config.CollabConfig, validator types.TokenValidator) (*Proxy, error) {
	chat, err := newReverseProxy(cfg.ChatURL)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "invalid_chat_url", "chat collaborator URL is invalid", err)
	}

	p := &Proxy{fallback: chat, validator: validator}
	for prefix, target := range map[string]string{
		"/api/auth":  cfg.AuthURL,
		"/api/files": cfg.FilesURL,
		"/api/bot":   cfg.BotURL,
	} {
		if target == "" {
			continue
		}
		rp, err := newReverseProxy(target)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, "invalid_collaborator_url",
				"collaborator URL for "+prefix+" is invalid", err)
		}
		p.routes = append(p.routes, route{prefix: prefix, rp: rp})
	}

	// Longest prefix wins.
	sort.Slice(p.routes, func(i, j int) bool {
		return len(p.routes[i].prefix) > len(p.routes[j].prefix)
	})
	return p, nil
}

func newReverseProxy(target string) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.Warn(r.Context(), "Proxy upstream unreachable",
			zap.String("path", r.URL.Path), zap.String("target", u.Host), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unreachable","code":"upstream_unreachable"}`))
	}
	return rp, nil
}

// Handler is the catch-all gin handler. Mount it as the NoRoute fallback
// behind the correlation and rate-limit middlewares.
func (p *Proxy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		// Never forward trust headers supplied by the client.
		c.Request.Header.Del(HeaderUserID)
		c.Request.Header.Del(HeaderUserRoles)

		if !isPublic(path) {
			token, err := auth.BearerFromRequest(c.Request)
			if err != nil {
				errs.AbortWith(c, errs.Auth("missing_token", "authentication required"))
				return
			}
			claims, err := p.validator.ValidateToken(token)
			if err != nil {
				errs.AbortWith(c, err)
				return
			}
			c.Request.Header.Set(HeaderUserID, claims.Subject)
			if len(claims.Roles) > 0 {
				c.Request.Header.Set(HeaderUserRoles, strings.Join(claims.Roles, ","))
			}
			ctx := context.WithValue(c.Request.Context(), logging.UserIDKey, claims.Subject)
			c.Request = c.Request.WithContext(ctx)
		}

		p.match(path).ServeHTTP(c.Writer, c.Request)
	}
}

// Health serves the proxy-local liveness answer.
func Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (p *Proxy) match(path string) *httputil.ReverseProxy {
	for _, r := range p.routes {
		if strings.HasPrefix(path, r.prefix) {
			return r.rp
		}
	}
	return p.fallback
}

func isPublic(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
