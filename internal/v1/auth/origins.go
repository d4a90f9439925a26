package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/concord-im/concord/internal/v1/logging"
)

// AllowedOrigins parses a comma-separated origin list from configuration,
// falling back to defaults for local development.
func AllowedOrigins(configured string, defaults []string) []string {
	if configured == "" {
		logging.Warn(context.Background(), fmt.Sprintf("allowed origins not configured, using development defaults: %s", defaults))
		return defaults
	}

	origins := strings.Split(configured, ",")
	for i, o := range origins {
		origins[i] = strings.TrimSpace(o)
	}
	return origins
}

// OriginAllowed reports whether the given Origin header value is acceptable.
// An empty origin (non-browser client) is allowed.
func OriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
