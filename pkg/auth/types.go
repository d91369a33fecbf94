// Package auth parses the request envelope headers from spec.md §4.5
// (x-actor-type, x-actor-id, x-auth-scopes, authorization: Bearer
// <delegation-token>, x-now-iso) into a RequestContext, and enforces
// each operation's required_scopes.
package auth

import (
	"time"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// RequestContext is the authenticated actor context carried through a
// single request: who is calling, what scopes they presented, the raw
// delegation token (if any) for pkg/delegation to verify, and the
// effective "now" (overridable via x-now-iso for deterministic tests).
type RequestContext struct {
	Actor           contracts.ActorRef
	Scopes          []string
	DelegationToken string
	Now             time.Time
}

// HasScope reports whether scope is present in rc.Scopes.
func (rc RequestContext) HasScope(scope string) bool {
	for _, s := range rc.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every scope in required is present.
func (rc RequestContext) HasAllScopes(required []string) bool {
	for _, s := range required {
		if !rc.HasScope(s) {
			return false
		}
	}
	return true
}
