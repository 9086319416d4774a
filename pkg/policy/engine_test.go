package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/features"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/policy"
)

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()
	engine, err := policy.NewEngine()
	require.NoError(t, err)
	return engine
}

// establishedAccount avoids the new-identity rung so later rules are
// reachable in tests.
func establishedAccount() *features.Features {
	return &features.Features{AccountAgeDays: 30, IdentityConfidence: 80}
}

func TestDefaultProfileLadder(t *testing.T) {
	engine := newEngine(t)
	profile := policy.DefaultProfile()
	require.NoError(t, engine.CheckProfile(profile))

	cases := []struct {
		name         string
		features     *features.Features
		signals      *inference.Signals
		wantDecision string
		wantRule     string
		wantReason   string
	}{
		{
			name:         "prior reject hard block",
			features:     &features.Features{HasPriorReject: true, AccountAgeDays: 10},
			signals:      &inference.Signals{Risk: 0.1, Assurance: 0.9},
			wantDecision: policy.DecisionReject,
			wantRule:     "HARD_BLOCK_PRIOR_REJECT",
			wantReason:   "PRIOR_REJECT",
		},
		{
			name:         "prior quarantine hard block",
			features:     &features.Features{HasPriorQuarantine: true, AccountAgeDays: 10},
			signals:      &inference.Signals{Risk: 0.1, Assurance: 0.9},
			wantDecision: policy.DecisionQuarantine,
			wantRule:     "HARD_BLOCK_PRIOR_QUARANTINE",
			wantReason:   "PRIOR_QUARANTINE",
		},
		{
			name:         "risk above reject threshold",
			features:     establishedAccount(),
			signals:      &inference.Signals{Risk: 0.92, Assurance: 0.2},
			wantDecision: policy.DecisionReject,
			wantRule:     "RISK_THRESHOLD_REJECT",
			wantReason:   "HIGH_RISK",
		},
		{
			name:         "risk above quarantine threshold",
			features:     establishedAccount(),
			signals:      &inference.Signals{Risk: 0.75, Assurance: 0.2},
			wantDecision: policy.DecisionQuarantine,
			wantRule:     "RISK_THRESHOLD_QUARANTINE",
			wantReason:   "HIGH_RISK",
		},
		{
			name:         "high assurance low risk allows",
			features:     establishedAccount(),
			signals:      &inference.Signals{Risk: 0.1, Assurance: 0.9},
			wantDecision: policy.DecisionAllow,
			wantRule:     "ASSURANCE_THRESHOLD_ALLOW",
			wantReason:   "HIGH_ASSURANCE",
		},
		{
			name:         "new account low assurance reviews",
			features:     &features.Features{AccountAgeDays: 0},
			signals:      &inference.Signals{Risk: 0.4, Assurance: 0.5},
			wantDecision: policy.DecisionReview,
			wantRule:     "LOW_IDENTITY_CONFIDENCE",
			wantReason:   "NEW_IDENTITY",
		},
		{
			name:         "anomalous pattern reviews",
			features:     establishedAccount(),
			signals:      &inference.Signals{Risk: 0.4, Assurance: 0.5, Anomaly: 0.75},
			wantDecision: policy.DecisionReview,
			wantRule:     "HIGH_ANOMALY",
			wantReason:   "ANOMALOUS_PATTERN",
		},
		{
			name:         "synthetic likelihood reviews",
			features:     establishedAccount(),
			signals:      &inference.Signals{Risk: 0.4, Assurance: 0.5, SyntheticLikelihood: 0.9},
			wantDecision: policy.DecisionReview,
			wantRule:     "SYNTHETIC_LIKELIHOOD",
			wantReason:   "AI_DISCLOSURE_REQUIRED",
		},
		{
			name:         "nothing matches defaults to review",
			features:     establishedAccount(),
			signals:      &inference.Signals{Risk: 0.4, Assurance: 0.5},
			wantDecision: policy.DecisionReview,
			wantRule:     "DEFAULT_REVIEW",
			wantReason:   "REQUIRES_MANUAL_REVIEW",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := engine.Evaluate(profile, tc.features, tc.signals)
			require.NoError(t, err)
			assert.Equal(t, tc.wantDecision, out.Decision)
			assert.Equal(t, []string{tc.wantRule}, out.TriggeredRules)
			assert.Equal(t, []string{tc.wantReason}, out.ReasonCodes)
			assert.Equal(t, policy.DefaultProfileID, out.PolicyProfileID)
			assert.Equal(t, policy.DefaultProfileVersion, out.PolicyVersion)
			assert.NotEmpty(t, out.Rationale)
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	engine := newEngine(t)
	profile := policy.DefaultProfile()

	// Prior reject plus extreme risk: only the first rung fires.
	out, err := engine.Evaluate(profile, &features.Features{HasPriorReject: true}, &inference.Signals{Risk: 0.99})
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionReject, out.Decision)
	assert.Equal(t, []string{"HARD_BLOCK_PRIOR_REJECT"}, out.TriggeredRules)
}

func TestRationaleInterpolatesValues(t *testing.T) {
	engine := newEngine(t)
	profile := policy.DefaultProfile()

	out, err := engine.Evaluate(profile, establishedAccount(), &inference.Signals{Risk: 0.92})
	require.NoError(t, err)
	assert.Equal(t, "Risk score 92.0 exceeds reject threshold 90", out.Rationale)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine := newEngine(t)
	profile := policy.DefaultProfile()
	f := establishedAccount()
	s := &inference.Signals{Risk: 0.42, Assurance: 0.61, Anomaly: 0.12, SyntheticLikelihood: 0.05}

	first, err := engine.Evaluate(profile, f, s)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := engine.Evaluate(profile, f, s)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCheckProfileRejectsBadCEL(t *testing.T) {
	engine := newEngine(t)
	profile := policy.DefaultProfile()
	profile.Rules[0].When = "signals.risk >=" // unparseable

	err := engine.CheckProfile(profile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HARD_BLOCK_PRIOR_REJECT")
}

func TestValidateRejectsUnknownOutcome(t *testing.T) {
	profile := policy.DefaultProfile()
	profile.Rules[2].Outcome = "ESCALATE"

	err := profile.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid outcome")
}

func TestCustomProfileThresholds(t *testing.T) {
	engine := newEngine(t)
	profile := policy.DefaultProfile()
	profile.ID = "strict"
	profile.Version = "v2"
	profile.Thresholds["risk_threshold_reject"] = 50

	out, err := engine.Evaluate(profile, establishedAccount(), &inference.Signals{Risk: 0.6, Assurance: 0.2})
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionReject, out.Decision)
	assert.Equal(t, "strict", out.PolicyProfileID)
	assert.Equal(t, "v2", out.PolicyVersion)
}
