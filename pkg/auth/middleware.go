package auth

import (
	"net/http"

	"github.com/swapmesh/marketd/pkg/apierr"
)

// publicPaths are endpoints that do not require an actor header set.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware parses the request envelope headers into a RequestContext
// and injects it into the request context for downstream handlers.
// Actor parsing failures are written immediately as VALIDATION_ERROR;
// scope enforcement is each operation's own responsibility via
// RequireScopes, since required_scopes vary per operation_id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		rc, err := ParseRequest(r)
		if err != nil {
			if ae, ok := err.(*apierr.Error); ok {
				apierr.WriteHTTP(w, ae)
			} else {
				apierr.WriteHTTP(w, apierr.New(apierr.CodeInternal, "request parsing failed"))
			}
			return
		}

		ctx := WithRequestContext(r.Context(), rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
