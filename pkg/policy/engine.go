package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/originhq/origin/pkg/features"
	"github.com/originhq/origin/pkg/inference"
)

// Outcome is the result of evaluating a profile against one upload.
type Outcome struct {
	Decision        string   `json:"decision"`
	PolicyProfileID string   `json:"policy_profile_id"`
	PolicyVersion   string   `json:"policy_version"`
	ReasonCodes     []string `json:"reason_codes"`
	TriggeredRules  []string `json:"triggered_rules"`
	Rationale       string   `json:"rationale"`
}

// Engine compiles and evaluates profile rules. Compiled programs are
// cached per expression; the cache is shared across profiles.
type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEngine builds the CEL environment with the three rule variables.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("features", cel.DynType),
		cel.Variable("signals", cel.DynType),
		cel.Variable("thresholds", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create CEL environment: %w", err)
	}
	return &Engine{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// CheckProfile validates the profile and compiles every rule condition,
// so malformed profiles fail at load rather than at ingest time.
func (e *Engine) CheckProfile(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for _, r := range p.Rules {
		if _, err := e.program(r.When); err != nil {
			return fmt.Errorf("policy: profile %s rule %s: %w", p.ID, r.Name, err)
		}
	}
	return nil
}

// Evaluate runs the ladder top to bottom; the first matching rule decides.
// Signals arrive on the model's [0,1] scale and are multiplied by 100
// before evaluation so rules and thresholds share one scale.
func (e *Engine) Evaluate(p *Profile, f *features.Features, s *inference.Signals) (*Outcome, error) {
	input := map[string]any{
		"features":   featureVars(f),
		"signals":    signalVars(s),
		"thresholds": thresholdVars(p.Thresholds),
	}

	for _, rule := range p.Rules {
		matched, err := e.evaluateExpr(rule.When, input)
		if err != nil {
			return nil, fmt.Errorf("policy: profile %s rule %s: %w", p.ID, rule.Name, err)
		}
		if !matched {
			continue
		}
		return &Outcome{
			Decision:        rule.Outcome,
			PolicyProfileID: p.ID,
			PolicyVersion:   p.Version,
			ReasonCodes:     []string{rule.ReasonCode},
			TriggeredRules:  []string{rule.Name},
			Rationale:       renderRationale(rule.Rationale, input),
		}, nil
	}

	return &Outcome{
		Decision:        DecisionReview,
		PolicyProfileID: p.ID,
		PolicyVersion:   p.Version,
		ReasonCodes:     []string{"REQUIRES_MANUAL_REVIEW"},
		TriggeredRules:  []string{"DEFAULT_REVIEW"},
		Rationale:       "Content requires manual review",
	}, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *Engine) evaluateExpr(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: result is not a boolean")
	}
	return val, nil
}

// featureVars exposes counts as ints and scores as doubles so rule
// comparisons against integer literals behave naturally.
func featureVars(f *features.Features) map[string]any {
	return map[string]any{
		"account_age_days":       int64(f.AccountAgeDays),
		"upload_velocity_24h":    int64(f.UploadVelocity24h),
		"device_velocity_24h":    int64(f.DeviceVelocity24h),
		"shared_device_count":    int64(f.SharedDeviceCount),
		"prior_quarantine_count": int64(f.PriorQuarantineCount),
		"prior_reject_count":     int64(f.PriorRejectCount),
		"prior_sightings_count":  int64(f.PriorSightingsCount),
		"has_prior_quarantine":   f.HasPriorQuarantine,
		"has_prior_reject":       f.HasPriorReject,
		"identity_confidence":    f.IdentityConfidence,
	}
}

// signalVars scales the [0,1] model outputs onto the 0-100 rule scale.
func signalVars(s *inference.Signals) map[string]any {
	return map[string]any{
		"risk":                 s.Risk * 100,
		"assurance":            s.Assurance * 100,
		"anomaly":              s.Anomaly * 100,
		"synthetic_likelihood": s.SyntheticLikelihood * 100,
	}
}

func thresholdVars(t map[string]float64) map[string]any {
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

var rationaleToken = regexp.MustCompile(`\{([a-z_]+)\.([a-z0-9_]+)\}`)

// renderRationale substitutes `{var.field}` tokens with their evaluated
// values. Floats render with one decimal; unknown tokens pass through.
func renderRationale(tpl string, input map[string]any) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}
	return rationaleToken.ReplaceAllStringFunc(tpl, func(tok string) string {
		m := rationaleToken.FindStringSubmatch(tok)
		vars, ok := input[m[1]].(map[string]any)
		if !ok {
			return tok
		}
		v, ok := vars[m[2]]
		if !ok {
			return tok
		}
		switch val := v.(type) {
		case float64:
			// Thresholds render without forced decimals ("90"), measured
			// values with one ("92.0"), matching the rationale wording of
			// the shipped profiles.
			if m[1] == "thresholds" {
				return strconv.FormatFloat(val, 'f', -1, 64)
			}
			return fmt.Sprintf("%.1f", val)
		case int64:
			return fmt.Sprintf("%d", val)
		case bool:
			return fmt.Sprintf("%t", val)
		default:
			return fmt.Sprintf("%v", val)
		}
	})
}
