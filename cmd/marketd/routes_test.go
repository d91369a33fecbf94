package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swapmesh/marketd/pkg/auth"
	"github.com/swapmesh/marketd/pkg/commit"
	"github.com/swapmesh/marketd/pkg/config"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/crypto"
	"github.com/swapmesh/marketd/pkg/delegation"
	"github.com/swapmesh/marketd/pkg/export"
	"github.com/swapmesh/marketd/pkg/intent"
	"github.com/swapmesh/marketd/pkg/liquidity"
	"github.com/swapmesh/marketd/pkg/matcher"
	"github.com/swapmesh/marketd/pkg/observability"
	"github.com/swapmesh/marketd/pkg/settlement"
	"github.com/swapmesh/marketd/pkg/store"
	"github.com/swapmesh/marketd/pkg/transparency"
	"github.com/swapmesh/marketd/pkg/vault"
)

// newTestServices wires a full services struct against a throwaway
// file store, the way pkg/intent's own tests build a store.Store for
// a temp directory, without touching the network (observability
// stays disabled, no Redis/Postgres).
func newTestServices(t *testing.T) *services {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)

	delegationSvc, err := delegation.NewService(st)
	require.NoError(t, err)

	obsConfig := observability.DefaultConfig()
	obsConfig.Enabled = false
	obs, err := observability.New(context.Background(), obsConfig)
	require.NoError(t, err)

	profile := config.DefaultMatcherProfile()

	return &services{
		cfg:          &config.Config{Port: "0"},
		store:        st,
		signer:       signer,
		obs:          obs,
		intent:       intent.NewService(st, delegationSvc),
		vault:        vault.NewService(st),
		commit:       commit.NewService(st),
		settlement:   settlement.NewService(st, signer),
		matcher:      matcher.NewService(st, profile.ToMatcherConfig(), nil),
		delegation:   delegationSvc,
		export:       export.NewService(st, signer),
		transparency: transparency.NewService(st),
		liquidity:    liquidity.NewService(st),
	}
}

func newMux(svc *services) http.Handler {
	mux := http.NewServeMux()
	svc.registerRoutes(mux)
	return auth.Middleware(mux)
}

func actorHeaders(req *http.Request, actorType, actorID string, scopes ...string) {
	req.Header.Set("x-actor-type", actorType)
	req.Header.Set("x-actor-id", actorID)
	if len(scopes) > 0 {
		scopeStr := ""
		for i, s := range scopes {
			if i > 0 {
				scopeStr += " "
			}
			scopeStr += s
		}
		req.Header.Set("x-auth-scopes", scopeStr)
	}
	req.Header.Set("x-now-iso", time.Now().UTC().Format(time.RFC3339))
}

func TestHealthz_ReportsStoreBackend(t *testing.T) {
	svc := newTestServices(t)
	handler := newMux(svc)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.OK)
	require.Equal(t, "json", body.StoreBackend)
	require.Equal(t, "json_file", body.PersistenceMode)
}

func TestCreateIntent_RequiresScope(t *testing.T) {
	svc := newTestServices(t)
	handler := newMux(svc)

	reqBody := intentBody{
		Offer:     []contracts.AssetDescriptor{{Platform: "steam", AppID: "730", ContextID: "2", AssetID: "a"}},
		WantSpec:  contracts.WantSpec{Any: []contracts.WantAlternative{{AssetID: "b"}}},
		ValueBand: contracts.ValueBand{MinUSD: 10, MaxUSD: 20, PricingSource: "steam_market"},
		TimeConstraints: contracts.TimeConstraints{ExpiresAt: time.Now().Add(time.Hour)},
	}
	payload, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(payload))
	actorHeaders(req, "user", "u1") // no scopes
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateIntent_Succeeds(t *testing.T) {
	svc := newTestServices(t)
	handler := newMux(svc)

	reqBody := intentBody{
		Offer:     []contracts.AssetDescriptor{{Platform: "steam", AppID: "730", ContextID: "2", AssetID: "a"}},
		WantSpec:  contracts.WantSpec{Any: []contracts.WantAlternative{{AssetID: "b"}}},
		ValueBand: contracts.ValueBand{MinUSD: 10, MaxUSD: 20, PricingSource: "steam_market"},
		TimeConstraints: contracts.TimeConstraints{ExpiresAt: time.Now().Add(time.Hour)},
	}
	payload, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(payload))
	actorHeaders(req, "user", "u1", "intents:write")
	req.Header.Set("Idempotency-Key", "create-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var created contracts.SwapIntent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, contracts.IntentActive, created.Status)
	require.NotEmpty(t, created.ID)
}

func TestListIntents_FiltersByActor(t *testing.T) {
	svc := newTestServices(t)
	handler := newMux(svc)

	reqBody := intentBody{
		Offer:     []contracts.AssetDescriptor{{Platform: "steam", AppID: "730", ContextID: "2", AssetID: "a"}},
		WantSpec:  contracts.WantSpec{Any: []contracts.WantAlternative{{AssetID: "b"}}},
		ValueBand: contracts.ValueBand{MinUSD: 10, MaxUSD: 20, PricingSource: "steam_market"},
		TimeConstraints: contracts.TimeConstraints{ExpiresAt: time.Now().Add(time.Hour)},
	}
	payload, err := json.Marshal(reqBody)
	require.NoError(t, err)

	createReq := httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(payload))
	actorHeaders(createReq, "user", "u1", "intents:write")
	createReq.Header.Set("Idempotency-Key", "create-1")
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	actorHeaders(listReq, "user", "u1", "intents:read")
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var out struct {
		Intents []contracts.SwapIntent `json:"intents"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &out))
	require.Len(t, out.Intents, 1)
}

func TestHandler_RejectsUnauthenticatedRequest(t *testing.T) {
	svc := newTestServices(t)
	handler := newMux(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
