package risk

import (
	"errors"
	"fmt"
)

// Result is the outcome of a single validation check.
type Result string

const (
	ResultPass    Result = "pass"
	ResultWarning Result = "warning"
	ResultFail    Result = "fail"
)

// Tier buckets a trust score into the coarse risk grade that drives
// investor return rates and TRRF coverage multipliers.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
)

// Check is one weighted validation check result. The weights of the set
// supplied to Evaluate must sum to exactly 100.
type Check struct {
	Name    string
	Weight  int
	Result  Result
	Message string
}

// Config holds the tier thresholds. Fixed at construction so concurrent
// readers never observe a half-updated threshold set.
type Config struct {
	TierA int
	TierB int
	TierC int
}

// DefaultConfig returns the platform threshold defaults.
func DefaultConfig() Config {
	return Config{TierA: 90, TierB: 80, TierC: 70}
}

// Outcome is the scoring verdict for one invoice. When Rejected is true the
// score is still reported for audit but Tier is left empty.
type Outcome struct {
	Score       int
	Tier        Tier
	Rejected    bool
	FailedCheck string
}

var (
	// ErrInsufficientChecks signals scoring was attempted with no checks.
	ErrInsufficientChecks = errors.New("risk: no validation checks supplied")
	// ErrBadWeights signals the check weights do not sum to 100.
	ErrBadWeights = errors.New("risk: check weights must sum to 100")
)

// Engine converts validation check results into a trust score and tier.
// It is pure: no state, deterministic for identical inputs.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate scores the ordered check set. Any single fail forces a rejected
// outcome regardless of the numeric score.
func (e *Engine) Evaluate(checks []Check) (Outcome, error) {
	if len(checks) == 0 {
		return Outcome{}, ErrInsufficientChecks
	}

	weightSum := 0
	for _, c := range checks {
		if c.Weight < 0 || c.Weight > 100 {
			return Outcome{}, fmt.Errorf("risk: check %q weight %d out of range: %w", c.Name, c.Weight, ErrBadWeights)
		}
		weightSum += c.Weight
	}
	if weightSum != 100 {
		return Outcome{}, fmt.Errorf("risk: weights sum to %d: %w", weightSum, ErrBadWeights)
	}

	total := 0
	failed := ""
	for _, c := range checks {
		pts, err := points(c.Result)
		if err != nil {
			return Outcome{}, err
		}
		total += c.Weight * pts
		if c.Result == ResultFail && failed == "" {
			failed = c.Name
		}
	}

	// Round half-up to the nearest integer.
	score := (total + 50) / 100

	if failed != "" {
		return Outcome{Score: score, Rejected: true, FailedCheck: failed}, nil
	}

	return Outcome{Score: score, Tier: e.tierFor(score)}, nil
}

func (e *Engine) tierFor(score int) Tier {
	switch {
	case score >= e.cfg.TierA:
		return TierA
	case score >= e.cfg.TierB:
		return TierB
	case score >= e.cfg.TierC:
		return TierC
	default:
		return TierD
	}
}

func points(r Result) (int, error) {
	switch r {
	case ResultPass:
		return 100, nil
	case ResultWarning:
		return 50, nil
	case ResultFail:
		return 0, nil
	default:
		return 0, fmt.Errorf("risk: unknown check result %q", r)
	}
}

// ValidTier reports whether t is one of the closed tier set.
func ValidTier(t Tier) bool {
	switch t {
	case TierA, TierB, TierC, TierD:
		return true
	default:
		return false
	}
}
