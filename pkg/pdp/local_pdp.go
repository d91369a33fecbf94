package pdp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/swapmesh/marketd/pkg/canonicalize"
)

// LocalPDP is a process-local PolicyDecisionPoint backed by a static
// resource→allowed rule map, for operators who want the PDP interface
// wired in without standing up an OPA or Cedar sidecar.
type LocalPDP struct {
	policyVersion string
	policyHash    string
	rules         map[string]bool // resource → allowed
}

// NewLocalPDP creates a local rule-map PDP.
// policyVersion identifies the active policy set (e.g., git commit, semver).
func NewLocalPDP(policyVersion string, rules map[string]bool) *LocalPDP {
	h := &LocalPDP{
		policyVersion: policyVersion,
		rules:         rules,
	}
	h.policyHash = h.computePolicyHash()
	return h
}

// Evaluate implements PolicyDecisionPoint.
func (h *LocalPDP) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	if req == nil {
		return &DecisionResponse{
			Allow:      false,
			ReasonCode: "DENY_NIL_REQUEST",
			PolicyRef:  fmt.Sprintf("local:%s", h.policyVersion),
		}, nil
	}

	select {
	case <-ctx.Done():
		return &DecisionResponse{
			Allow:      false,
			ReasonCode: "DENY_TIMEOUT",
			PolicyRef:  fmt.Sprintf("local:%s", h.policyVersion),
		}, nil
	default:
	}

	allowed := true
	reasonCode := "ALLOW"

	if h.rules != nil {
		if v, exists := h.rules[req.Resource]; exists {
			allowed = v
			if !allowed {
				reasonCode = "DENY_POLICY"
			}
		}
	}

	resp := &DecisionResponse{
		Allow:      allowed,
		ReasonCode: reasonCode,
		PolicyRef:  fmt.Sprintf("local:%s", h.policyVersion),
	}

	hash, err := ComputeDecisionHash(resp)
	if err != nil {
		return &DecisionResponse{
			Allow:      false,
			ReasonCode: "DENY_HASH_FAILURE",
			PolicyRef:  fmt.Sprintf("local:%s", h.policyVersion),
		}, nil
	}
	resp.DecisionHash = hash

	return resp, nil
}

// Backend implements PolicyDecisionPoint.
func (h *LocalPDP) Backend() Backend { return BackendLocal }

// PolicyHash implements PolicyDecisionPoint.
func (h *LocalPDP) PolicyHash() string { return h.policyHash }

func (h *LocalPDP) computePolicyHash() string {
	input := struct {
		Version string          `json:"version"`
		Rules   map[string]bool `json:"rules"`
	}{
		Version: h.policyVersion,
		Rules:   h.rules,
	}
	data, err := canonicalize.JCS(input)
	if err != nil {
		return "sha256:unknown"
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
