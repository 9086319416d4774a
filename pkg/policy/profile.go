// Package policy evaluates upload-governance decisions. Profiles are
// data: an ordered rule ladder plus thresholds, with rule conditions
// written in CEL over the computed features and model signals. The
// decision function is pure; identical inputs always yield identical
// outcomes.
package policy

import (
	"fmt"
	"time"
)

// Decisions, ordered by severity. Ladder order encodes the tie-break
// REJECT > QUARANTINE > REVIEW > ALLOW.
const (
	DecisionAllow      = "ALLOW"
	DecisionReview     = "REVIEW"
	DecisionQuarantine = "QUARANTINE"
	DecisionReject     = "REJECT"
)

// Built-in default profile identity.
const (
	DefaultProfileID      = "ORIGIN-CORE"
	DefaultProfileVersion = "v1.0"
)

// ValidDecision reports whether d names a decision outcome.
func ValidDecision(d string) bool {
	switch d {
	case DecisionAllow, DecisionReview, DecisionQuarantine, DecisionReject:
		return true
	}
	return false
}

// Rule is one rung of the ladder. When is a CEL expression over the
// variables `features`, `signals`, and `thresholds`. Rationale may embed
// `{var.field}` placeholders rendered from the same variables.
type Rule struct {
	Name       string `json:"name" yaml:"name"`
	Outcome    string `json:"outcome" yaml:"outcome"`
	ReasonCode string `json:"reason_code" yaml:"reason_code"`
	Rationale  string `json:"rationale" yaml:"rationale"`
	When       string `json:"when" yaml:"when"`
}

// Profile is an immutable, versioned decision policy.
type Profile struct {
	ID                  string             `json:"id" yaml:"id"`
	Version             string             `json:"version" yaml:"version"`
	Thresholds          map[string]float64 `json:"thresholds" yaml:"thresholds"`
	Rules               []Rule             `json:"rules" yaml:"rules"`
	RiskModelVersion    string             `json:"risk_model_version,omitempty" yaml:"risk_model_version,omitempty"`
	AnomalyModelVersion string             `json:"anomaly_model_version,omitempty" yaml:"anomaly_model_version,omitempty"`
	CreatedAt           time.Time          `json:"created_at,omitempty" yaml:"-"`
}

// Validate checks structural soundness. CEL compilation is checked
// separately by Engine.CheckProfile.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy: profile id is required")
	}
	if p.Version == "" {
		return fmt.Errorf("policy: profile %s: version is required", p.ID)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy: profile %s: at least one rule is required", p.ID)
	}
	for i, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("policy: profile %s: rule %d has no name", p.ID, i)
		}
		if !ValidDecision(r.Outcome) {
			return fmt.Errorf("policy: profile %s: rule %s has invalid outcome %q", p.ID, r.Name, r.Outcome)
		}
		if r.ReasonCode == "" {
			return fmt.Errorf("policy: profile %s: rule %s has no reason code", p.ID, r.Name)
		}
		if r.When == "" {
			return fmt.Errorf("policy: profile %s: rule %s has no condition", p.ID, r.Name)
		}
	}
	return nil
}

// DefaultThresholds are the ORIGIN-CORE thresholds on the 0-100 scale.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"risk_threshold_review":     30,
		"risk_threshold_quarantine": 70,
		"risk_threshold_reject":     90,
		"assurance_threshold_allow": 80,
		"anomaly_threshold_review":  70,
		"synthetic_threshold":       70,
	}
}

// DefaultProfile returns the built-in ORIGIN-CORE ladder. Hard blocks on
// prior outcomes sit above score thresholds; anything unmatched lands in
// manual review.
func DefaultProfile() *Profile {
	return &Profile{
		ID:                  DefaultProfileID,
		Version:             DefaultProfileVersion,
		Thresholds:          DefaultThresholds(),
		RiskModelVersion:    "0.3.0",
		AnomalyModelVersion: "0.2.0",
		Rules: []Rule{
			{
				Name:       "HARD_BLOCK_PRIOR_REJECT",
				Outcome:    DecisionReject,
				ReasonCode: "PRIOR_REJECT",
				Rationale:  "Content was previously rejected",
				When:       "features.has_prior_reject",
			},
			{
				Name:       "HARD_BLOCK_PRIOR_QUARANTINE",
				Outcome:    DecisionQuarantine,
				ReasonCode: "PRIOR_QUARANTINE",
				Rationale:  "Content was previously quarantined",
				When:       "features.has_prior_quarantine",
			},
			{
				Name:       "RISK_THRESHOLD_REJECT",
				Outcome:    DecisionReject,
				ReasonCode: "HIGH_RISK",
				Rationale:  "Risk score {signals.risk} exceeds reject threshold {thresholds.risk_threshold_reject}",
				When:       "signals.risk >= thresholds.risk_threshold_reject",
			},
			{
				Name:       "RISK_THRESHOLD_QUARANTINE",
				Outcome:    DecisionQuarantine,
				ReasonCode: "HIGH_RISK",
				Rationale:  "Risk score {signals.risk} exceeds quarantine threshold {thresholds.risk_threshold_quarantine}",
				When:       "signals.risk >= thresholds.risk_threshold_quarantine",
			},
			{
				Name:       "ASSURANCE_THRESHOLD_ALLOW",
				Outcome:    DecisionAllow,
				ReasonCode: "HIGH_ASSURANCE",
				Rationale:  "Assurance score {signals.assurance} meets allow threshold with low risk",
				When:       "signals.assurance >= thresholds.assurance_threshold_allow && signals.risk < thresholds.risk_threshold_review",
			},
			{
				Name:       "LOW_IDENTITY_CONFIDENCE",
				Outcome:    DecisionReview,
				ReasonCode: "NEW_IDENTITY",
				Rationale:  "New account with assurance {signals.assurance} requires review",
				When:       "features.account_age_days < 1 && signals.assurance < thresholds.assurance_threshold_allow",
			},
			{
				Name:       "HIGH_ANOMALY",
				Outcome:    DecisionReview,
				ReasonCode: "ANOMALOUS_PATTERN",
				Rationale:  "Anomaly score {signals.anomaly} indicates unusual pattern",
				When:       "signals.anomaly >= thresholds.anomaly_threshold_review",
			},
			{
				Name:       "SYNTHETIC_LIKELIHOOD",
				Outcome:    DecisionReview,
				ReasonCode: "AI_DISCLOSURE_REQUIRED",
				Rationale:  "Synthetic likelihood {signals.synthetic_likelihood} requires AI disclosure review",
				When:       "signals.synthetic_likelihood >= thresholds.synthetic_threshold",
			},
			{
				Name:       "DEFAULT_REVIEW",
				Outcome:    DecisionReview,
				ReasonCode: "REQUIRES_MANUAL_REVIEW",
				Rationale:  "Content requires manual review",
				When:       "true",
			},
		},
	}
}
