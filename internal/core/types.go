// Package core implements the flag evaluation domain: flag and rule types,
// the ordered decision procedure, deterministic rollout bucketing, and
// dependency-graph validation. Everything in this package is pure and safe
// for concurrent use; persistence and caching live elsewhere.
package core

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Kind classifies what a flag is for.
type Kind string

const (
	KindRelease     Kind = "release"
	KindExperiment  Kind = "experiment"
	KindOperational Kind = "operational"
	KindPermission  Kind = "permission"
)

// Valid reports whether k is one of the known flag kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRelease, KindExperiment, KindOperational, KindPermission:
		return true
	default:
		return false
	}
}

// RuleKind discriminates targeting rule payloads.
type RuleKind string

const (
	RuleUser         RuleKind = "user"
	RulePercentage   RuleKind = "percentage"
	RuleJurisdiction RuleKind = "jurisdiction"
	RuleRole         RuleKind = "role"
	RuleDateRange    RuleKind = "date_range"
	RuleCustom       RuleKind = "custom"
)

// Operator selects the comparison a rule applies to its payload.
type Operator string

const (
	OperatorIn        Operator = "in"
	OperatorNotIn     Operator = "not_in"
	OperatorEquals    Operator = "equals"
	OperatorNotEquals Operator = "not_equals"
	OperatorAny       Operator = "any"
	OperatorAll       Operator = "all"
	OperatorNone      Operator = "none"
)

// Rule is one targeting predicate. Kind selects which payload fields are
// meaningful; rules are stored as JSON so unused fields stay empty.
type Rule struct {
	Kind     RuleKind `json:"kind"`
	Operator Operator `json:"operator,omitempty"`

	// user
	Subjects []string `json:"subjects,omitempty"`

	// percentage
	Percentage int `json:"percentage,omitempty"`

	// jurisdiction
	Jurisdiction  string   `json:"jurisdiction,omitempty"`
	Jurisdictions []string `json:"jurisdictions,omitempty"`

	// role
	Roles []string `json:"roles,omitempty"`

	// date_range; either bound may be nil for an open end
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`

	// custom
	Predicate string  `json:"predicate,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// RuleSet combines targeting rules. With RequireAll false the rules are
// OR-ed, with true AND-ed. When the combined result is false the set falls
// back to Default; a false Default defers the decision to percentage rollout.
type RuleSet struct {
	Rules      []Rule `json:"rules,omitempty"`
	Default    bool   `json:"default,omitempty"`
	RequireAll bool   `json:"require_all,omitempty"`
}

// Flag is one feature flag definition.
type Flag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"kind"`

	// Enabled is the global kill switch. False forces every evaluation to
	// false regardless of overrides, rules, and rollout.
	Enabled bool `json:"enabled"`

	// FailOpen picks the value returned when the store or cache is
	// unavailable during evaluation. Default is fail-closed.
	FailOpen bool `json:"fail_open,omitempty"`

	// Environments the flag may be active in; empty means all.
	Environments []string `json:"environments,omitempty"`

	// Activation window, inclusive. Either bound may be nil.
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// Dependencies are flag names that must themselves evaluate true,
	// checked in declared order.
	Dependencies []string `json:"dependencies,omitempty"`

	// UserOverrides force a result for specific subjects, bypassing rules
	// and rollout.
	UserOverrides map[string]bool `json:"user_overrides,omitempty"`

	RolloutPercentage int     `json:"rollout_percentage"`
	Rules             RuleSet `json:"rules_config,omitempty"`

	// Version increments on every mutation and is embedded in result cache
	// keys so stale entries age out without active deletion.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Context carries the request-scoped attributes one evaluation runs against.
// It is treated as immutable for the duration of the call.
type Context struct {
	SubjectID    string         `json:"subject_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	Jurisdiction string         `json:"jurisdiction,omitempty"`
	Roles        []string       `json:"roles,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// BucketSubject returns the identifier used for percentage bucketing:
// the subject ID, falling back to the session ID, falling back to a fixed
// anonymous sentinel.
func (c Context) BucketSubject() string {
	if c.SubjectID != "" {
		return c.SubjectID
	}
	if c.SessionID != "" {
		return c.SessionID
	}
	return "anonymous"
}

// ErrInvalidFlag is wrapped by every flag validation failure.
var ErrInvalidFlag = errors.New("invalid flag")

// Flag names embed into cache key patterns, so the charset excludes ':' and
// glob metacharacters.
var validFlagName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Validate checks structural invariants of a flag definition. It does not
// check dependency existence or acyclicity; those need the rest of the flag
// set (see CheckDependencyCycle).
func (f Flag) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFlag)
	}
	if !validFlagName.MatchString(f.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidFlag, f.Name, validFlagName)
	}
	if !f.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFlag, f.Kind)
	}
	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		return fmt.Errorf("%w: rollout_percentage %d outside [0,100]", ErrInvalidFlag, f.RolloutPercentage)
	}
	for _, dep := range f.Dependencies {
		if !validFlagName.MatchString(dep) {
			return fmt.Errorf("%w: dependency name %q must match %s", ErrInvalidFlag, dep, validFlagName)
		}
		if dep == f.Name {
			return fmt.Errorf("%w: flag depends on itself", ErrInvalidFlag)
		}
	}
	for i, rule := range f.Rules.Rules {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidFlag, i, err)
		}
	}
	return nil
}

func (r Rule) validate() error {
	switch r.Kind {
	case RuleUser:
		if r.Operator != OperatorIn && r.Operator != OperatorNotIn {
			return fmt.Errorf("user rule operator %q not in/not_in", r.Operator)
		}
	case RulePercentage:
		if r.Percentage < 0 || r.Percentage > 100 {
			return fmt.Errorf("percentage %d outside [0,100]", r.Percentage)
		}
	case RuleJurisdiction:
		switch r.Operator {
		case OperatorEquals, OperatorNotEquals, OperatorIn:
		default:
			return fmt.Errorf("jurisdiction rule operator %q not equals/not_equals/in", r.Operator)
		}
	case RuleRole:
		switch r.Operator {
		case OperatorAny, OperatorAll, OperatorNone:
		default:
			return fmt.Errorf("role rule operator %q not any/all/none", r.Operator)
		}
	case RuleDateRange:
		if r.Start == nil && r.End == nil {
			return errors.New("date_range rule needs at least one bound")
		}
	case RuleCustom:
		if r.Predicate == "" {
			return errors.New("custom rule needs a predicate name")
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}
