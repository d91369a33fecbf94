package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swapmesh/marketd/pkg/matcher"
)

// MatcherProfile represents an environment-specific matcher configuration
// profile: cycle bounds, canary routing, and rollback thresholds, loaded
// by environment name the way the teacher loads regional compliance
// profiles by jurisdiction code.
type MatcherProfile struct {
	Name                   string            `yaml:"name" json:"name"`
	Environment            string            `yaml:"environment" json:"environment"`
	MaxProposals           int               `yaml:"max_proposals" json:"max_proposals"`
	MaxCycleLengthCeiling  int               `yaml:"max_cycle_length_ceiling" json:"max_cycle_length_ceiling"`
	ProposalTTLSeconds     int               `yaml:"proposal_ttl_seconds" json:"proposal_ttl_seconds"`
	CanaryMinEngineVersion string            `yaml:"canary_min_engine_version" json:"canary_min_engine_version"`
	CanarySampleEveryN     int               `yaml:"canary_sample_every_n" json:"canary_sample_every_n"`
	CanaryDeltaEpsilon     float64           `yaml:"canary_delta_epsilon" json:"canary_delta_epsilon"`
	Rollback               RollbackProfile   `yaml:"rollback" json:"rollback"`
}

// RollbackProfile mirrors matcher.RollbackThresholds in YAML-friendly form.
type RollbackProfile struct {
	ErrorRateBps            uint64 `yaml:"error_rate_bps" json:"error_rate_bps"`
	TimeoutRateBps          uint64 `yaml:"timeout_rate_bps" json:"timeout_rate_bps"`
	LimitedRateBps          uint64 `yaml:"limited_rate_bps" json:"limited_rate_bps"`
	NonNegativeDeltaRateBps uint64 `yaml:"non_negative_delta_rate_bps" json:"non_negative_delta_rate_bps"`
	MinSamples              uint64 `yaml:"min_samples" json:"min_samples"`
}

// LoadMatcherProfile loads an environment-specific matcher profile YAML.
// It searches profilesDir for profile_<environment>.yaml.
func LoadMatcherProfile(profilesDir, environment string) (*MatcherProfile, error) {
	environment = strings.ToLower(environment)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", environment))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load matcher profile %q: %w", environment, err)
	}

	var profile MatcherProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse matcher profile %q: %w", environment, err)
	}

	if profile.Environment == "" {
		profile.Environment = environment
	}

	return &profile, nil
}

// LoadAllMatcherProfiles loads every profile_*.yaml file from profilesDir.
func LoadAllMatcherProfiles(profilesDir string) (map[string]*MatcherProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*MatcherProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile MatcherProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Environment == "" {
			base := filepath.Base(path)
			profile.Environment = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Environment] = &profile
	}

	return profiles, nil
}

// ToMatcherConfig converts the YAML-friendly profile into the typed
// matcher.Config the matcher service is constructed with.
func (p *MatcherProfile) ToMatcherConfig() matcher.Config {
	return matcher.Config{
		MaxProposals:           p.MaxProposals,
		MaxCycleLengthCeiling:  p.MaxCycleLengthCeiling,
		ProposalTTL:            time.Duration(p.ProposalTTLSeconds) * time.Second,
		CanaryMinEngineVersion: p.CanaryMinEngineVersion,
		CanarySampleEveryN:     p.CanarySampleEveryN,
		CanaryDeltaEpsilon:     p.CanaryDeltaEpsilon,
		Rollback: matcher.RollbackThresholds{
			ErrorRateBps:            p.Rollback.ErrorRateBps,
			TimeoutRateBps:          p.Rollback.TimeoutRateBps,
			LimitedRateBps:          p.Rollback.LimitedRateBps,
			NonNegativeDeltaRateBps: p.Rollback.NonNegativeDeltaRateBps,
			MinSamples:              p.Rollback.MinSamples,
		},
	}
}

// DefaultMatcherProfile returns a conservative matcher configuration for
// environments with no profile file on disk (e.g. tests, first boot).
func DefaultMatcherProfile() *MatcherProfile {
	return &MatcherProfile{
		Name:                   "default",
		Environment:            "default",
		MaxProposals:           50,
		MaxCycleLengthCeiling:  6,
		ProposalTTLSeconds:     3600,
		CanaryMinEngineVersion: "2.0.0",
		CanarySampleEveryN:     0,
		CanaryDeltaEpsilon:     0.02,
		Rollback: RollbackProfile{
			ErrorRateBps:            500,
			TimeoutRateBps:          500,
			LimitedRateBps:          1000,
			NonNegativeDeltaRateBps: 2000,
			MinSamples:              50,
		},
	}
}
