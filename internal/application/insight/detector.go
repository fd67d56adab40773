package insight

import (
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/hezronokwach/harvest/internal/domain/role"
)

// Rule pairs a govaluate expression with the insight line it produces.
// Expressions see the parameters `text`, `speaker` and `role`, e.g.
//
//	text =~ 'paperwork|contract|agreement'
//
// Upstream phrasing varies across deployments, so the rules are data.
type Rule struct {
	Name       string
	Expression string
	Insight    string
}

// DefaultRules detect deal-closing language in the seller's speech, the
// phrasing the stock upstream uses before it starts drafting a contract.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "closing-intent",
			Expression: `role == 'seller' && text =~ 'paperwork|contract|agreement|finalize|we.re set|sounds like a deal'`,
			Insight:    "Closing language detected; expect a contract draft shortly.",
		},
		{
			Name:       "price-pressure",
			Expression: `text =~ 'final offer|last offer|take it or leave'`,
			Insight:    "Hardline pricing stance detected.",
		},
	}
}

type compiledRule struct {
	rule Rule
	expr *govaluate.EvaluableExpression
}

// Detector evaluates rules against surviving transcript entries and emits
// derived insight lines. Rules that fail to compile are dropped with a
// warning; a rule that errors at evaluation time simply does not match.
type Detector struct {
	rules  []compiledRule
	logger zerolog.Logger
}

func NewDetector(rules []Rule, logger zerolog.Logger) *Detector {
	d := &Detector{logger: logger.With().Str("service", "insight").Logger()}
	for _, r := range rules {
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			d.logger.Warn().Err(err).Str("rule", r.Name).Msg("dropping uncompilable insight rule")
			continue
		}
		d.rules = append(d.rules, compiledRule{rule: r, expr: expr})
	}
	return d
}

// Evaluate returns the insight lines matched by the given utterance.
func (d *Detector) Evaluate(rl role.Role, speaker, text string) []string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	params := map[string]interface{}{
		"text":    text,
		"speaker": strings.ToLower(strings.TrimSpace(speaker)),
		"role":    string(rl),
	}
	var out []string
	for _, cr := range d.rules {
		result, err := cr.expr.Evaluate(params)
		if err != nil {
			d.logger.Debug().Err(err).Str("rule", cr.rule.Name).Msg("insight rule evaluation failed")
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			out = append(out, cr.rule.Insight)
		}
	}
	return out
}

// ParseRules builds rules from a configuration string of the form
// "name=expression" pairs separated by ';'. An empty input yields the
// defaults.
func ParseRules(raw string) ([]Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultRules(), nil
	}
	var rules []Rule
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, expr, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(expr) == "" {
			return nil, fmt.Errorf("invalid insight rule %q", part)
		}
		rules = append(rules, Rule{
			Name:       strings.TrimSpace(name),
			Expression: strings.TrimSpace(expr),
			Insight:    "Rule " + strings.TrimSpace(name) + " matched.",
		})
	}
	return rules, nil
}
