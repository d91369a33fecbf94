package main

import (
	"encoding/json"
	"net/http"
)

// healthzResponse mirrors spec.md §6's GET /healthz shape:
// {ok, store_backend, persistence_mode, state{...}}.
type healthzResponse struct {
	OK              bool           `json:"ok"`
	StoreBackend    string         `json:"store_backend"`
	PersistenceMode string         `json:"persistence_mode"`
	State           healthzCounts  `json:"state"`
}

type healthzCounts struct {
	Intents                  int `json:"intents"`
	Proposals                int `json:"proposals"`
	Commits                  int `json:"commits"`
	Reservations             int `json:"reservations"`
	Timelines                int `json:"timelines"`
	Receipts                 int `json:"receipts"`
	Events                   int `json:"events"`
	Holdings                 int `json:"holdings"`
	Delegations              int `json:"delegations"`
	PolicyAudit              int `json:"policy_audit"`
	LiquidityProviders       int `json:"liquidity_providers"`
	LiquidityHoldings        int `json:"liquidity_holdings"`
	InventorySnapshots       int `json:"inventory_snapshots"`
	TransparencyPublications int `json:"transparency_publications"`
	MatchingRuns             int `json:"matching_runs"`
	ExportCheckpoints        int `json:"export_checkpoints"`
}

// handleHealthz reports store liveness and a coarse state summary.
// It never takes the store's write lock: Snapshot is a point-in-time
// read, so healthz never blocks behind an in-flight operation.
func (svc *services) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := svc.store.Snapshot()

	persistenceMode := "json_file"
	if svc.store.Backend() == "sqlite" {
		persistenceMode = "sqlite_wal"
	}

	resp := healthzResponse{
		OK:              true,
		StoreBackend:    svc.store.Backend(),
		PersistenceMode: persistenceMode,
		State: healthzCounts{
			Intents:                  len(st.Intents),
			Proposals:                len(st.Proposals),
			Commits:                  len(st.Commits),
			Reservations:             len(st.Reservations),
			Timelines:                len(st.Timelines),
			Receipts:                 len(st.Receipts),
			Events:                   len(st.Events),
			Holdings:                 len(st.Holdings),
			Delegations:              len(st.Delegations),
			PolicyAudit:              len(st.PolicyAudit),
			LiquidityProviders:       len(st.LiquidityProviders),
			LiquidityHoldings:        len(st.LiquidityHoldings),
			InventorySnapshots:       len(st.InventorySnapshots),
			TransparencyPublications: len(st.TransparencyPublications),
			MatchingRuns:             len(st.MatchingRuns),
			ExportCheckpoints:        len(st.ExportCheckpoints),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
