package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/auth"
	"github.com/swapmesh/marketd/pkg/commit"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/credentials"
	"github.com/swapmesh/marketd/pkg/delegation"
	"github.com/swapmesh/marketd/pkg/export"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/intent"
	"github.com/swapmesh/marketd/pkg/liquidity"
	"github.com/swapmesh/marketd/pkg/matcher"
	"github.com/swapmesh/marketd/pkg/settlement"
	"github.com/swapmesh/marketd/pkg/transparency"
	"github.com/swapmesh/marketd/pkg/vault"
)

// registerRoutes wires a representative subset of spec.md §6's manifest
// onto an http.ServeMux (several read and sweep operations have no
// route), using Go's method+path pattern routing the way the
// teacher wires its console subsystem routes. Every handler is a thin
// decode/authorize/call/encode shim; the services themselves hold all
// the domain logic.
func (svc *services) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /healthz", svc.handleHealthz)

	mux.HandleFunc("POST /v1/intents", svc.handleCreateIntent)
	mux.HandleFunc("GET /v1/intents", svc.handleListIntents)
	mux.HandleFunc("GET /v1/intents/{id}", svc.handleGetIntent)
	mux.HandleFunc("PATCH /v1/intents/{id}", svc.handleUpdateIntent)
	mux.HandleFunc("POST /v1/intents/{id}/cancel", svc.handleCancelIntent)

	mux.HandleFunc("POST /v1/matching/runs", svc.handleRunMatching)
	mux.HandleFunc("GET /v1/matching/runs/{id}", svc.handleGetMatchingRun)

	mux.HandleFunc("POST /v1/proposals/{id}/accept", svc.handleAcceptProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/decline", svc.handleDeclineProposal)

	mux.HandleFunc("POST /v1/vault/deposits", svc.handleVaultDeposit)
	mux.HandleFunc("POST /v1/vault/holdings/{id}/reserve", svc.handleVaultReserve)
	mux.HandleFunc("POST /v1/vault/holdings/{id}/release", svc.handleVaultRelease)
	mux.HandleFunc("POST /v1/vault/holdings/{id}/begin-settlement", svc.handleVaultBeginSettlement)
	mux.HandleFunc("POST /v1/vault/holdings/{id}/withdraw", svc.handleVaultWithdraw)

	mux.HandleFunc("POST /v1/settlements", svc.handleSettlementStart)
	mux.HandleFunc("POST /v1/settlements/{id}/deposit-confirmed", svc.handleSettlementConfirmDeposit)
	mux.HandleFunc("POST /v1/settlements/{id}/begin-execution", svc.handleSettlementBeginExecution)
	mux.HandleFunc("POST /v1/settlements/{id}/complete", svc.handleSettlementComplete)

	mux.HandleFunc("POST /v1/delegations", svc.handleCreateDelegation)
	mux.HandleFunc("POST /v1/delegations/authorize", svc.handleAuthorizeDelegation)

	mux.HandleFunc("POST /v1/liquidity/providers", svc.handleRegisterProvider)
	mux.HandleFunc("GET /v1/liquidity/providers/{id}", svc.handleGetProvider)
	mux.HandleFunc("POST /v1/liquidity/providers/{id}/personas", svc.handleRegisterPersona)
	mux.HandleFunc("POST /v1/liquidity/providers/{id}/holdings", svc.handleSeedHolding)
	mux.HandleFunc("POST /v1/liquidity/providers/{id}/inventory", svc.handleSnapshotInventory)
	mux.HandleFunc("PUT /v1/liquidity/providers/{id}/credentials/{purpose}", svc.handleSaveProviderCredential)
	mux.HandleFunc("GET /v1/liquidity/providers/{id}/credentials", svc.handleProviderCredentialStatus)
	mux.HandleFunc("POST /v1/liquidity/reservations", svc.handleLiquidityReserve)
	mux.HandleFunc("POST /v1/liquidity/reservations/release", svc.handleLiquidityRelease)

	mux.HandleFunc("POST /v1/transparency/publications", svc.handlePublishTransparency)
	mux.HandleFunc("GET /v1/transparency/{source_type}/ledger-head", svc.handleTransparencyLedgerHead)
	mux.HandleFunc("POST /v1/export/{stream}/pages", svc.handleExportPage)
}

// --- shared helpers -------------------------------------------------

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.New(apierr.CodeValidation, "malformed request body")
	}
	return nil
}

func idemKey(rc auth.RequestContext, operationID string, r *http.Request) idempotency.Key {
	return idempotency.Key{
		OperationID: operationID,
		ActorKey:    rc.Actor.Key(),
		ClientKey:   r.Header.Get("Idempotency-Key"),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apierr.Error); ok {
		apierr.WriteHTTP(w, ae)
		return
	}
	apierr.WriteHTTP(w, apierr.New(apierr.CodeInternal, "internal error"))
}

func requireScopes(w http.ResponseWriter, rc auth.RequestContext, scopes ...string) bool {
	if err := auth.RequireScopes(rc, scopes); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

// --- intents ----------------------------------------------------------

type intentBody struct {
	PartnerID             string                          `json:"partner_id"`
	Offer                 []contracts.AssetDescriptor      `json:"offer"`
	WantSpec              contracts.WantSpec               `json:"want_spec"`
	ValueBand             contracts.ValueBand              `json:"value_band"`
	TrustConstraints      contracts.TrustConstraints       `json:"trust_constraints"`
	TimeConstraints       contracts.TimeConstraints        `json:"time_constraints"`
	SettlementPreferences contracts.SettlementPreferences  `json:"settlement_preferences"`
}

func (svc *services) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "intents:write") {
		return
	}
	var body intentBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, _, err := svc.intent.Create(intent.CreateParams{
		Idempotency:           idemKey(rc, "intents.create", r),
		Actor:                 rc.Actor,
		PartnerID:             body.PartnerID,
		Offer:                 body.Offer,
		WantSpec:              body.WantSpec,
		ValueBand:             body.ValueBand,
		TrustConstraints:      body.TrustConstraints,
		TimeConstraints:       body.TimeConstraints,
		SettlementPreferences: body.SettlementPreferences,
		Now:                   rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (svc *services) handleUpdateIntent(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "intents:write") {
		return
	}
	var body intentBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, _, err := svc.intent.Update(intent.UpdateParams{
		Idempotency:           idemKey(rc, "intents.update", r),
		IntentID:              r.PathValue("id"),
		Actor:                 rc.Actor,
		Offer:                 body.Offer,
		WantSpec:              body.WantSpec,
		ValueBand:             body.ValueBand,
		TrustConstraints:      body.TrustConstraints,
		TimeConstraints:       body.TimeConstraints,
		SettlementPreferences: body.SettlementPreferences,
		Now:                   rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "intents:write") {
		return
	}
	result, _, err := svc.intent.Cancel(intent.CancelParams{
		Idempotency:     idemKey(rc, "intents.cancel", r),
		IntentID:        r.PathValue("id"),
		Actor:           rc.Actor,
		DelegationToken: rc.DelegationToken,
		Now:             rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleListIntents(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "intents:read") {
		return
	}
	status := contracts.IntentStatus(r.URL.Query().Get("status"))
	results := svc.intent.List(intent.ListFilter{Actor: rc.Actor, Status: status})
	writeJSON(w, http.StatusOK, map[string]interface{}{"intents": results})
}

func (svc *services) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "intents:read") {
		return
	}
	id := r.PathValue("id")
	for _, i := range svc.intent.List(intent.ListFilter{Actor: rc.Actor}) {
		if i.ID == id {
			writeJSON(w, http.StatusOK, i)
			return
		}
	}
	writeError(w, apierr.New(apierr.CodeNotFound, "intent not found"))
}

// --- matching ----------------------------------------------------------

type matchingRunBody struct {
	PartnerID       string `json:"partner_id"`
	ReplaceExisting bool   `json:"replace_existing"`
}

func (svc *services) handleRunMatching(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "matching:run") {
		return
	}
	var body matchingRunBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, _, err := svc.matcher.Run(r.Context(), matcher.RunParams{
		Idempotency:     idemKey(rc, "matching.run", r),
		Actor:           rc.Actor,
		PartnerID:       body.PartnerID,
		ReplaceExisting: body.ReplaceExisting,
		Now:             rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (svc *services) handleGetMatchingRun(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "matching:read") {
		return
	}
	st := svc.store.Snapshot()
	run, ok := st.MatchingRuns[r.PathValue("id")]
	if !ok {
		writeError(w, apierr.New(apierr.CodeNotFound, "matching run not found"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- commit (proposal accept/decline) -----------------------------------

func (svc *services) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "proposals:accept") {
		return
	}
	result, err := svc.commit.Accept(commit.AcceptParams{
		Idempotency: idemKey(rc, "proposals.accept", r),
		ProposalID:  r.PathValue("id"),
		Actor:       rc.Actor,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleDeclineProposal(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "proposals:decline") {
		return
	}
	result, err := svc.commit.Decline(commit.DeclineParams{
		Idempotency: idemKey(rc, "proposals.decline", r),
		ProposalID:  r.PathValue("id"),
		Actor:       rc.Actor,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- vault ---------------------------------------------------------------

func (svc *services) handleVaultDeposit(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "vault:write") {
		return
	}
	var body struct {
		Asset contracts.AssetDescriptor `json:"asset"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.vault.Deposit(vault.DepositParams{
		Idempotency: idemKey(rc, "vault.deposit", r),
		OwnerActor:  rc.Actor,
		Asset:       body.Asset,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (svc *services) handleVaultReserve(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "vault:write") {
		return
	}
	var body struct {
		ReservationID string `json:"reservation_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.vault.Reserve(vault.ReserveParams{
		Idempotency:   idemKey(rc, "vault.reserve", r),
		HoldingID:     r.PathValue("id"),
		ReservationID: body.ReservationID,
		Now:           rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleVaultRelease(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "vault:write") {
		return
	}
	result, err := svc.vault.Release(vault.ReleaseParams{
		Idempotency: idemKey(rc, "vault.release", r),
		HoldingID:   r.PathValue("id"),
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleVaultBeginSettlement(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "vault:write") {
		return
	}
	var body struct {
		CycleID string `json:"cycle_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.vault.BeginSettlement(vault.BeginSettlementParams{
		Idempotency: idemKey(rc, "vault.begin_settlement", r),
		HoldingID:   r.PathValue("id"),
		CycleID:     body.CycleID,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleVaultWithdraw(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "vault:write") {
		return
	}
	result, err := svc.vault.Withdraw(vault.WithdrawParams{
		Idempotency: idemKey(rc, "vault.withdraw", r),
		HoldingID:   r.PathValue("id"),
		OwnerActor:  rc.Actor,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- settlement ----------------------------------------------------------

func (svc *services) handleSettlementStart(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "settlements:write") {
		return
	}
	var body struct {
		CycleID           string                       `json:"cycle_id"`
		PartnerID         string                       `json:"partner_id"`
		Participants      []contracts.ParticipantLeg   `json:"participants"`
		DepositDeadlineAt time.Time                    `json:"deposit_deadline_at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.settlement.Start(settlement.StartParams{
		Idempotency:       idemKey(rc, "settlements.start", r),
		CycleID:           body.CycleID,
		PartnerID:         body.PartnerID,
		Actor:             rc.Actor,
		Participants:      body.Participants,
		DepositDeadlineAt: body.DepositDeadlineAt,
		Now:               rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (svc *services) handleSettlementConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "settlements:write") {
		return
	}
	var body struct {
		DepositRef string `json:"deposit_ref"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.settlement.ConfirmDeposit(settlement.ConfirmDepositParams{
		Idempotency: idemKey(rc, "settlements.confirm_deposit", r),
		CycleID:     r.PathValue("id"),
		Actor:       rc.Actor,
		DepositRef:  body.DepositRef,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleSettlementBeginExecution(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "settlements:write") {
		return
	}
	var body struct {
		PartnerID string `json:"partner_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.settlement.BeginExecution(settlement.BeginExecutionParams{
		Idempotency: idemKey(rc, "settlements.begin_execution", r),
		CycleID:     r.PathValue("id"),
		PartnerID:   body.PartnerID,
		Actor:       rc.Actor,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleSettlementComplete(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "settlements:write") {
		return
	}
	timeline, receipt, err := svc.settlement.Complete(settlement.CompleteParams{
		Idempotency: idemKey(rc, "settlements.complete", r),
		CycleID:     r.PathValue("id"),
		Actor:       rc.Actor,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"timeline": timeline, "receipt": receipt})
}

// --- delegation ------------------------------------------------------------

func (svc *services) handleCreateDelegation(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "delegations:write") {
		return
	}
	var body struct {
		SubjectActor        contracts.ActorRef            `json:"subject_actor"`
		Scopes              []string                       `json:"scopes"`
		OperationAllowlist  []string                       `json:"operation_allowlist"`
		ExpiresAt           time.Time                      `json:"expires_at"`
		SpendCapPerDayUSD   float64                        `json:"spend_cap_per_day_usd"`
		ConsentRequirements contracts.ConsentRequirements  `json:"consent_requirements"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.delegation.Create(delegation.CreateParams{
		Idempotency:         idemKey(rc, "delegations.create", r),
		OwnerActor:          rc.Actor,
		SubjectActor:        body.SubjectActor,
		Scopes:              body.Scopes,
		OperationAllowlist:  body.OperationAllowlist,
		ExpiresAt:           body.ExpiresAt,
		SpendCapPerDayUSD:   body.SpendCapPerDayUSD,
		ConsentRequirements: body.ConsentRequirements,
		Now:                 rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (svc *services) handleAuthorizeDelegation(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	var body struct {
		RequiredScopes []string                `json:"required_scopes"`
		OperationID    string                  `json:"operation_id"`
		ConsentProof   *contracts.ConsentProof `json:"consent_proof"`
		IntentValueUSD float64                 `json:"intent_value_usd"`
		Context        map[string]any          `json:"context"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.delegation.Authorize(delegation.AuthorizeParams{
		Bearer:         rc.DelegationToken,
		RequiredScopes: body.RequiredScopes,
		OperationID:    body.OperationID,
		Actor:          rc.Actor,
		ConsentProof:   body.ConsentProof,
		IntentValueUSD: body.IntentValueUSD,
		Context:        body.Context,
		Now:            rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- liquidity ---------------------------------------------------------------

func (svc *services) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:admin") {
		return
	}
	var body struct {
		ProviderID string `json:"provider_id"`
		PartnerID  string `json:"partner_id"`
		Name       string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.liquidity.RegisterProvider(liquidity.RegisterProviderParams{
		ProviderID: body.ProviderID,
		PartnerID:  body.PartnerID,
		Name:       body.Name,
		Now:        rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (svc *services) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:read") {
		return
	}
	result, err := svc.liquidity.GetProvider(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleRegisterPersona(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:admin") {
		return
	}
	var body struct {
		PersonaID   string   `json:"persona_id"`
		Name        string   `json:"name"`
		Categories  []string `json:"categories"`
		MaxValueUSD float64  `json:"max_value_usd"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.liquidity.RegisterPersona(liquidity.RegisterPersonaParams{
		ProviderID:  r.PathValue("id"),
		PersonaID:   body.PersonaID,
		Name:        body.Name,
		Categories:  body.Categories,
		MaxValueUSD: body.MaxValueUSD,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleSeedHolding(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:admin") {
		return
	}
	var body struct {
		HoldingID string  `json:"holding_id"`
		Category  string  `json:"category"`
		ValueUSD  float64 `json:"value_usd"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.liquidity.SeedHolding(liquidity.SeedHoldingParams{
		ProviderID: r.PathValue("id"),
		HoldingID:  body.HoldingID,
		Category:   body.Category,
		ValueUSD:   body.ValueUSD,
		Now:        rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (svc *services) handleSnapshotInventory(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:read") {
		return
	}
	result, err := svc.liquidity.SnapshotInventory(r.PathValue("id"), rc.Now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (svc *services) handleSaveProviderCredential(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:admin") {
		return
	}
	var body struct {
		TokenType string   `json:"token_type"`
		Secret    string   `json:"secret"`
		Scopes    []string `json:"scopes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	cred := &credentials.Credential{
		Purpose:   credentials.CredentialPurpose(r.PathValue("purpose")),
		TokenType: credentials.TokenType(body.TokenType),
		Secret:    body.Secret,
		Scopes:    body.Scopes,
	}
	if err := svc.liquidity.SaveProviderCredential(r.Context(), r.PathValue("id"), cred); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *services) handleProviderCredentialStatus(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:read") {
		return
	}
	statuses, err := svc.liquidity.ProviderCredentialStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// reservationRequestBody gives liquidity.ReservationRequest snake_case
// wire tags without adding them to the domain type itself.
type reservationRequestBody struct {
	HoldingID     string  `json:"holding_id"`
	ProviderID    string  `json:"provider_id"`
	Category      string  `json:"category"`
	MaxValueUSD   float64 `json:"max_value_usd"`
	ReservationID string  `json:"reservation_id"`
}

func toReservationRequests(bodies []reservationRequestBody) []liquidity.ReservationRequest {
	out := make([]liquidity.ReservationRequest, len(bodies))
	for i, b := range bodies {
		out[i] = liquidity.ReservationRequest{
			HoldingID:     b.HoldingID,
			ProviderID:    b.ProviderID,
			Category:      b.Category,
			MaxValueUSD:   b.MaxValueUSD,
			ReservationID: b.ReservationID,
		}
	}
	return out
}

func (svc *services) handleLiquidityReserve(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:write") {
		return
	}
	var body struct {
		Requests []reservationRequestBody `json:"requests"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	results, err := svc.liquidity.ReserveBatch(toReservationRequests(body.Requests), rc.Now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (svc *services) handleLiquidityRelease(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "liquidity:write") {
		return
	}
	var body struct {
		Requests []reservationRequestBody `json:"requests"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	results, err := svc.liquidity.ReleaseBatch(toReservationRequests(body.Requests), rc.Now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// --- transparency & export -----------------------------------------------

func (svc *services) handlePublishTransparency(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "transparency:write") {
		return
	}
	var body struct {
		SourceType string        `json:"source_type"`
		Entries    []interface{} `json:"entries"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := svc.transparency.Publish(transparency.PublishParams{
		Idempotency: idemKey(rc, "transparency.publish", r),
		SourceType:  body.SourceType,
		Entries:     body.Entries,
		Now:         rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (svc *services) handleTransparencyLedgerHead(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "transparency:read") {
		return
	}
	sourceType := r.PathValue("source_type")
	ok, reason := svc.transparency.VerifyLedger(sourceType)
	writeJSON(w, http.StatusOK, map[string]any{
		"source_type": sourceType,
		"head_hash":   svc.transparency.LedgerHead(sourceType),
		"verified":    ok,
		"reason":      reason,
	})
}

type sortedEntryBody struct {
	SortKey string      `json:"sort_key"`
	Body    interface{} `json:"body"`
}

func (svc *services) handleExportPage(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	if !requireScopes(w, rc, "export:read") {
		return
	}
	var body struct {
		Entries          []sortedEntryBody `json:"entries"`
		Filters          map[string]string `json:"filters"`
		Cursor           string            `json:"cursor"`
		AttestationAfter string            `json:"attestation_after"`
		CheckpointAfter  string            `json:"checkpoint_after"`
		PageSize         int               `json:"page_size"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	entries := make([]export.SortedEntry, len(body.Entries))
	for i, e := range body.Entries {
		entries[i] = export.SortedEntry{SortKey: e.SortKey, Body: e.Body}
	}
	result, err := svc.export.Page(export.PageParams{
		StreamID:         r.PathValue("stream"),
		Entries:          entries,
		Filters:          body.Filters,
		Cursor:           body.Cursor,
		AttestationAfter: body.AttestationAfter,
		CheckpointAfter:  body.CheckpointAfter,
		PageSize:         body.PageSize,
		Now:              rc.Now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
