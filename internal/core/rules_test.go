package core

import (
	"testing"
	"time"
)

func TestEvaluateRule(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		rule       Rule
		context    Context
		want       bool
		wantReport bool
	}{
		{
			name:    "user in matches",
			rule:    Rule{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{"42", "7"}},
			context: Context{SubjectID: "7"},
			want:    true,
		},
		{
			name:    "user in misses",
			rule:    Rule{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{"42"}},
			context: Context{SubjectID: "7"},
		},
		{
			name:    "user not_in",
			rule:    Rule{Kind: RuleUser, Operator: OperatorNotIn, Subjects: []string{"42"}},
			context: Context{SubjectID: "7"},
			want:    true,
		},
		{
			name:    "anonymous subject never a list member",
			rule:    Rule{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{""}},
			context: Context{},
		},
		{
			name:       "user unknown operator reported",
			rule:       Rule{Kind: RuleUser, Operator: Operator("contains"), Subjects: []string{"42"}},
			context:    Context{SubjectID: "42"},
			wantReport: true,
		},
		{
			name:    "percentage full",
			rule:    Rule{Kind: RulePercentage, Percentage: 100},
			context: Context{SubjectID: "anyone"},
			want:    true,
		},
		{
			name:    "percentage zero",
			rule:    Rule{Kind: RulePercentage, Percentage: 0},
			context: Context{SubjectID: "anyone"},
		},
		{
			name:    "jurisdiction equals",
			rule:    Rule{Kind: RuleJurisdiction, Operator: OperatorEquals, Jurisdiction: "on"},
			context: Context{Jurisdiction: "on"},
			want:    true,
		},
		{
			name:    "jurisdiction not_equals",
			rule:    Rule{Kind: RuleJurisdiction, Operator: OperatorNotEquals, Jurisdiction: "on"},
			context: Context{Jurisdiction: "bc"},
			want:    true,
		},
		{
			name:    "jurisdiction in",
			rule:    Rule{Kind: RuleJurisdiction, Operator: OperatorIn, Jurisdictions: []string{"on", "bc"}},
			context: Context{Jurisdiction: "bc"},
			want:    true,
		},
		{
			name:    "role any",
			rule:    Rule{Kind: RuleRole, Operator: OperatorAny, Roles: []string{"clerk", "admin"}},
			context: Context{Roles: []string{"admin"}},
			want:    true,
		},
		{
			name:    "role all misses",
			rule:    Rule{Kind: RuleRole, Operator: OperatorAll, Roles: []string{"clerk", "admin"}},
			context: Context{Roles: []string{"admin"}},
		},
		{
			name:    "role all matches",
			rule:    Rule{Kind: RuleRole, Operator: OperatorAll, Roles: []string{"clerk", "admin"}},
			context: Context{Roles: []string{"admin", "clerk", "viewer"}},
			want:    true,
		},
		{
			name:    "role none",
			rule:    Rule{Kind: RuleRole, Operator: OperatorNone, Roles: []string{"banned"}},
			context: Context{Roles: []string{"viewer"}},
			want:    true,
		},
		{
			name: "date range open start",
			rule: Rule{Kind: RuleDateRange, End: timePtr(now.Add(time.Hour))},
			want: true,
		},
		{
			name: "date range expired",
			rule: Rule{Kind: RuleDateRange, End: timePtr(now.Add(-time.Hour))},
		},
		{
			name:    "custom active_session",
			rule:    Rule{Kind: RuleCustom, Predicate: "active_session"},
			context: Context{SessionID: "sess-1"},
			want:    true,
		},
		{
			name:    "custom beta_tester",
			rule:    Rule{Kind: RuleCustom, Predicate: "beta_tester"},
			context: Context{Attributes: map[string]any{"beta_tester": true}},
			want:    true,
		},
		{
			name:    "custom engagement_score above threshold",
			rule:    Rule{Kind: RuleCustom, Predicate: "engagement_score", Threshold: 80},
			context: Context{Attributes: map[string]any{"engagement_score": 92.5}},
			want:    true,
		},
		{
			name:    "custom engagement_score as int",
			rule:    Rule{Kind: RuleCustom, Predicate: "engagement_score", Threshold: 80},
			context: Context{Attributes: map[string]any{"engagement_score": 81}},
			want:    true,
		},
		{
			name:    "custom engagement_score below threshold",
			rule:    Rule{Kind: RuleCustom, Predicate: "engagement_score", Threshold: 80},
			context: Context{Attributes: map[string]any{"engagement_score": 12}},
		},
		{
			name:       "custom unknown predicate reported",
			rule:       Rule{Kind: RuleCustom, Predicate: "frequent_visitor"},
			wantReport: true,
		},
		{
			name:       "unknown rule kind reported",
			rule:       Rule{Kind: RuleKind("geo_fence")},
			wantReport: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateRule(tt.rule, tt.context, "test-flag", now)
			if got != tt.want {
				t.Fatalf("EvaluateRule() = %t, want %t", got, tt.want)
			}
			if (err != nil) != tt.wantReport {
				t.Fatalf("EvaluateRule() error = %v, wantReport %t", err, tt.wantReport)
			}
		})
	}
}
