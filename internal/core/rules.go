package core

import (
	"fmt"
	"slices"
	"time"
)

// EvaluateRule applies one targeting rule to a context at the given time.
// A misconfigured rule (unknown kind, operator, or predicate) evaluates
// false and returns a non-nil error describing the problem so the caller can
// log it; rule evaluation itself never fails the evaluation.
func EvaluateRule(rule Rule, ctx Context, flagName string, now time.Time) (bool, error) {
	switch rule.Kind {
	case RuleUser:
		return evaluateUserRule(rule, ctx)
	case RulePercentage:
		return InRollout(flagName, ctx.BucketSubject(), rule.Percentage), nil
	case RuleJurisdiction:
		return evaluateJurisdictionRule(rule, ctx)
	case RuleRole:
		return evaluateRoleRule(rule, ctx)
	case RuleDateRange:
		return inDateRange(rule.Start, rule.End, now), nil
	case RuleCustom:
		return evaluateCustomRule(rule, ctx)
	default:
		return false, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

func evaluateUserRule(rule Rule, ctx Context) (bool, error) {
	member := ctx.SubjectID != "" && slices.Contains(rule.Subjects, ctx.SubjectID)
	switch rule.Operator {
	case OperatorIn:
		return member, nil
	case OperatorNotIn:
		return !member, nil
	default:
		return false, fmt.Errorf("user rule: unknown operator %q", rule.Operator)
	}
}

func evaluateJurisdictionRule(rule Rule, ctx Context) (bool, error) {
	switch rule.Operator {
	case OperatorEquals:
		return ctx.Jurisdiction == rule.Jurisdiction, nil
	case OperatorNotEquals:
		return ctx.Jurisdiction != rule.Jurisdiction, nil
	case OperatorIn:
		return slices.Contains(rule.Jurisdictions, ctx.Jurisdiction), nil
	default:
		return false, fmt.Errorf("jurisdiction rule: unknown operator %q", rule.Operator)
	}
}

func evaluateRoleRule(rule Rule, ctx Context) (bool, error) {
	switch rule.Operator {
	case OperatorAny:
		for _, role := range rule.Roles {
			if slices.Contains(ctx.Roles, role) {
				return true, nil
			}
		}
		return false, nil
	case OperatorAll:
		for _, role := range rule.Roles {
			if !slices.Contains(ctx.Roles, role) {
				return false, nil
			}
		}
		return true, nil
	case OperatorNone:
		for _, role := range rule.Roles {
			if slices.Contains(ctx.Roles, role) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("role rule: unknown operator %q", rule.Operator)
	}
}

func inDateRange(start, end *time.Time, now time.Time) bool {
	if start != nil && now.Before(*start) {
		return false
	}
	if end != nil && now.After(*end) {
		return false
	}
	return true
}

// Custom predicates are resolved by name against free-form context
// attributes. The set is closed; unknown names evaluate false and are
// reported for logging.
func evaluateCustomRule(rule Rule, ctx Context) (bool, error) {
	switch rule.Predicate {
	case "active_session":
		return ctx.SessionID != "", nil
	case "beta_tester":
		enabled, _ := ctx.Attributes["beta_tester"].(bool)
		return enabled, nil
	case "engagement_score":
		score, ok := attributeFloat(ctx.Attributes["engagement_score"])
		return ok && score > rule.Threshold, nil
	default:
		return false, fmt.Errorf("custom rule: unknown predicate %q", rule.Predicate)
	}
}

func attributeFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	default:
		return 0, false
	}
}
