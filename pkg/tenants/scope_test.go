package tenants_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/tenants"
)

func TestResolvePartnerScope_SameStoredPartnerAllowed(t *testing.T) {
	d, err := tenants.ResolvePartnerScope("partner_a", "partner_a", "partner_a")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.False(t, d.SelfHealed)
	require.Equal(t, "partner_a", d.EffectivePartnerID)
}

func TestResolvePartnerScope_DifferentStoredPartnerForbidden(t *testing.T) {
	_, err := tenants.ResolvePartnerScope("partner_a", "partner_a", "partner_b")
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeForbidden, ae.Code)
	require.Equal(t, "partner_unauthorized", ae.ReasonCode)
}

func TestResolvePartnerScope_SelfHealSameOriginalPartner(t *testing.T) {
	d, err := tenants.ResolvePartnerScope("", "partner_a", "partner_a")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.SelfHealed)
	require.Equal(t, "partner_a", d.EffectivePartnerID)
}

func TestResolvePartnerScope_ClearedScopeRebindByDifferentPartnerForbidden(t *testing.T) {
	_, err := tenants.ResolvePartnerScope("", "partner_a", "partner_b")
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeForbidden, ae.Code)
}

func TestEnforceParticipantRead(t *testing.T) {
	u1 := contracts.ActorRef{Type: contracts.ActorUser, ID: "u1"}
	u2 := contracts.ActorRef{Type: contracts.ActorUser, ID: "u2"}
	u3 := contracts.ActorRef{Type: contracts.ActorUser, ID: "u3"}

	require.NoError(t, tenants.EnforceParticipantRead(u1, []contracts.ActorRef{u1, u2}))
	require.Error(t, tenants.EnforceParticipantRead(u3, []contracts.ActorRef{u1, u2}))
}
