package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
)

const bearerPrefix = "Bearer "

// ParseRequest extracts a RequestContext from the envelope headers. A
// missing x-actor-type or x-actor-id is a VALIDATION_ERROR: every
// operation manifest entry requires an actor. x-now-iso, when present,
// overrides the wall clock for deterministic replay tests.
func ParseRequest(r *http.Request) (RequestContext, error) {
	actorType := r.Header.Get("x-actor-type")
	actorID := r.Header.Get("x-actor-id")
	if actorType == "" || actorID == "" {
		return RequestContext{}, apierr.New(apierr.CodeValidation, "x-actor-type and x-actor-id headers are required")
	}
	if !validActorType(actorType) {
		return RequestContext{}, apierr.New(apierr.CodeValidation, fmt.Sprintf("unknown actor type %q", actorType))
	}

	now := time.Now().UTC()
	if raw := r.Header.Get("x-now-iso"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return RequestContext{}, apierr.New(apierr.CodeValidation, "x-now-iso must be RFC3339")
		}
		now = parsed.UTC()
	}

	var scopes []string
	if raw := strings.TrimSpace(r.Header.Get("x-auth-scopes")); raw != "" {
		scopes = strings.Fields(raw)
	}

	var delegationToken string
	if authz := r.Header.Get("authorization"); strings.HasPrefix(authz, bearerPrefix) {
		delegationToken = strings.TrimPrefix(authz, bearerPrefix)
	}

	return RequestContext{
		Actor:           contracts.ActorRef{Type: contracts.ActorType(actorType), ID: actorID},
		Scopes:          scopes,
		DelegationToken: delegationToken,
		Now:             now,
	}, nil
}

func validActorType(s string) bool {
	switch contracts.ActorType(s) {
	case contracts.ActorUser, contracts.ActorPartner, contracts.ActorAgent:
		return true
	default:
		return false
	}
}

// RequireScopes enforces an operation's required_scopes against rc,
// returning INSUFFICIENT_SCOPE naming the first missing scope.
func RequireScopes(rc RequestContext, required []string) error {
	for _, s := range required {
		if !rc.HasScope(s) {
			return apierr.New(apierr.CodeInsufficientScope, fmt.Sprintf("missing required scope %q", s)).
				WithDetails(map[string]interface{}{"scope": s})
		}
	}
	return nil
}
