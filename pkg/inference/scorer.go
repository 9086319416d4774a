// Package inference produces per-upload risk signals and tracks which
// model versions produced them. Scores live in [0,1]; policy scales them
// to the 0-100 threshold range at evaluation time.
package inference

import (
	"time"

	"github.com/originhq/origin/pkg/features"
)

// Signals is the scoring output recorded on the upload, the certificate
// inputs, and the ledger event.
type Signals struct {
	Risk                float64   `json:"risk"`
	Assurance           float64   `json:"assurance"`
	Anomaly             float64   `json:"anomaly"`
	SyntheticLikelihood float64   `json:"synthetic_likelihood"`
	RiskModelVersion    string    `json:"risk_model_version"`
	AnomalyModelVersion string    `json:"anomaly_model_version"`
	ComputedAt          time.Time `json:"computed_at"`
}

// RiskCoefficients weight the risk score terms. Zero values fall back to
// the built-in defaults.
type RiskCoefficients struct {
	Base             float64 `yaml:"base" json:"base"`
	AgeWeight        float64 `yaml:"age_weight" json:"age_weight"`
	QuarantineWeight float64 `yaml:"quarantine_weight" json:"quarantine_weight"`
	ConfidenceWeight float64 `yaml:"confidence_weight" json:"confidence_weight"`
}

// AnomalyCoefficients weight the anomaly score terms.
type AnomalyCoefficients struct {
	Base          float64 `yaml:"base" json:"base"`
	VelocityStep  float64 `yaml:"velocity_step" json:"velocity_step"`
	SharedDevStep float64 `yaml:"shared_dev_step" json:"shared_dev_step"`
}

func defaultRiskCoefficients() RiskCoefficients {
	return RiskCoefficients{Base: 0.20, AgeWeight: 0.30, QuarantineWeight: 0.25, ConfidenceWeight: 0.30}
}

func defaultAnomalyCoefficients() AnomalyCoefficients {
	return AnomalyCoefficients{Base: 0.50, VelocityStep: 0.20, SharedDevStep: 0.15}
}

// Service scores features. Construct with NewService (heuristic defaults)
// or let a Registry install artifact coefficients.
type Service struct {
	risk    RiskCoefficients
	anomaly AnomalyCoefficients

	riskVersion    string
	anomalyVersion string

	clock func() time.Time
}

// Built-in heuristic model versions reported when no artifact is loaded.
const (
	HeuristicRiskVersion    = "0.3.0"
	HeuristicAnomalyVersion = "0.2.0"
)

// NewService creates a scorer with the built-in heuristic coefficients.
func NewService() *Service {
	return &Service{
		risk:           defaultRiskCoefficients(),
		anomaly:        defaultAnomalyCoefficients(),
		riskVersion:    HeuristicRiskVersion,
		anomalyVersion: HeuristicAnomalyVersion,
		clock:          time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Score computes the signal vector for one submission.
func (s *Service) Score(f *features.Features, metadata map[string]any) Signals {
	risk := s.riskScore(f)
	return Signals{
		Risk:                risk,
		Assurance:           s.assuranceScore(f, risk),
		Anomaly:             s.anomalyScore(f),
		SyntheticLikelihood: s.syntheticLikelihood(f, metadata),
		RiskModelVersion:    s.riskVersion,
		AnomalyModelVersion: s.anomalyVersion,
		ComputedAt:          s.clock().UTC(),
	}
}

// riskScore rises for young accounts, prior quarantines, and weak
// identity confidence.
func (s *Service) riskScore(f *features.Features) float64 {
	age := f.AccountAgeDays
	if age > 365 {
		age = 365
	}
	risk := s.risk.Base
	risk += float64(365-age) / 365 * s.risk.AgeWeight
	risk += float64(f.PriorQuarantineCount) * s.risk.QuarantineWeight
	risk += (1 - f.IdentityConfidence/100) * s.risk.ConfidenceWeight
	return clamp01(risk)
}

// assuranceScore blends identity confidence with the inverse risk, dented
// by prior quarantines.
func (s *Service) assuranceScore(f *features.Features, risk float64) float64 {
	assurance := f.IdentityConfidence / 100 * 0.6
	assurance += (1 - risk) * 0.4
	assurance -= float64(f.PriorQuarantineCount) * 0.15
	return clamp01(assurance)
}

// anomalyScore rises with burst uploading and wide device sharing.
func (s *Service) anomalyScore(f *features.Features) float64 {
	anomaly := s.anomaly.Base
	if f.UploadVelocity24h > 50 {
		anomaly += s.anomaly.VelocityStep
	}
	if f.SharedDeviceCount > 10 {
		anomaly += s.anomaly.SharedDevStep
	}
	return clamp01(anomaly)
}

// syntheticLikelihood estimates how likely the content is machine
// generated. An explicit ai_disclosure metadata flag dominates.
func (s *Service) syntheticLikelihood(f *features.Features, metadata map[string]any) float64 {
	if disclosed, ok := metadata["ai_disclosure"].(bool); ok && disclosed {
		return 0.95
	}
	likelihood := 0.20
	if f.IdentityConfidence < 30 {
		likelihood += 0.20
	}
	if f.UploadVelocity24h > 50 {
		likelihood += 0.15
	}
	if f.PriorSightingsCount == 0 {
		likelihood += 0.10
	}
	return clamp01(likelihood)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
