package core

import (
	"log/slog"
	"slices"
	"time"
)

// Resolver resolves a dependency flag name to its own evaluation result for
// the same context. A nil resolver vetoes every dependency.
type Resolver func(name string) bool

// Evaluator runs the ordered decision procedure for a flag and a context.
// The zero value is usable; Now and Logger default to time.Now and
// slog.Default. Evaluator holds no mutable state and is safe for concurrent
// use.
type Evaluator struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Evaluate decides whether the flag is active for the context. The checks
// run in a fixed order: kill switch, activation window, environment scope,
// dependency vetoes, per-user override, targeting rules, percentage rollout.
// Earlier checks are absolute; a false from any of them cannot be recovered
// by a later one. Misconfigured rules evaluate false and are logged, never
// surfaced as errors.
func (e Evaluator) Evaluate(flag Flag, ctx Context, resolve Resolver) bool {
	if !flag.Enabled {
		return false
	}

	now := e.now()
	if !inDateRange(flag.StartDate, flag.EndDate, now) {
		return false
	}

	if len(flag.Environments) > 0 && !slices.Contains(flag.Environments, ctx.Environment) {
		return false
	}

	for _, dep := range flag.Dependencies {
		if resolve == nil || !resolve(dep) {
			return false
		}
	}

	if ctx.SubjectID != "" {
		if forced, ok := flag.UserOverrides[ctx.SubjectID]; ok {
			return forced
		}
	}

	if len(flag.Rules.Rules) > 0 {
		if e.evaluateRuleSet(flag, ctx, now) {
			return true
		}
		if flag.Rules.Default {
			return true
		}
	}

	return InRollout(flag.Name, ctx.BucketSubject(), flag.RolloutPercentage)
}

func (e Evaluator) evaluateRuleSet(flag Flag, ctx Context, now time.Time) bool {
	for _, rule := range flag.Rules.Rules {
		matched, err := EvaluateRule(rule, ctx, flag.Name, now)
		if err != nil {
			e.logger().Warn("misconfigured targeting rule",
				"flag", flag.Name,
				"rule_kind", string(rule.Kind),
				"error", err,
			)
		}

		if flag.Rules.RequireAll {
			if !matched {
				return false
			}
		} else if matched {
			return true
		}
	}

	return flag.Rules.RequireAll
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Evaluator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
