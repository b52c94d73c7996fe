package core

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func timePtr(value time.Time) *time.Time { return &value }

func enabledFlag(name string) Flag {
	return Flag{Name: name, Kind: KindRelease, Enabled: true}
}

func TestEvaluateDecisionOrder(t *testing.T) {
	evaluator := Evaluator{Now: fixedClock}

	tests := []struct {
		name    string
		flag    Flag
		context Context
		resolve Resolver
		want    bool
	}{
		{
			name: "kill switch beats full rollout",
			flag: Flag{Name: "a", Kind: KindOperational, Enabled: false, RolloutPercentage: 100},
			want: false,
		},
		{
			name: "kill switch beats user override",
			flag: Flag{
				Name:          "a",
				Kind:          KindOperational,
				Enabled:       false,
				UserOverrides: map[string]bool{"42": true},
			},
			context: Context{SubjectID: "42"},
			want:    false,
		},
		{
			name: "start date in the future",
			flag: func() Flag {
				f := enabledFlag("a")
				f.RolloutPercentage = 100
				f.StartDate = timePtr(testNow.Add(time.Hour))
				return f
			}(),
			want: false,
		},
		{
			name: "end date in the past",
			flag: func() Flag {
				f := enabledFlag("a")
				f.RolloutPercentage = 100
				f.EndDate = timePtr(testNow.Add(-time.Hour))
				return f
			}(),
			want: false,
		},
		{
			name: "inside inclusive window",
			flag: func() Flag {
				f := enabledFlag("a")
				f.RolloutPercentage = 100
				f.StartDate = timePtr(testNow.Add(-time.Hour))
				f.EndDate = timePtr(testNow.Add(time.Hour))
				return f
			}(),
			want: true,
		},
		{
			name: "environment not in scope",
			flag: func() Flag {
				f := enabledFlag("a")
				f.RolloutPercentage = 100
				f.Environments = []string{"production", "staging"}
				return f
			}(),
			context: Context{Environment: "development"},
			want:    false,
		},
		{
			name: "environment in scope",
			flag: func() Flag {
				f := enabledFlag("a")
				f.RolloutPercentage = 100
				f.Environments = []string{"production"}
				return f
			}(),
			context: Context{Environment: "production"},
			want:    true,
		},
		{
			name: "empty environments means all",
			flag: func() Flag {
				f := enabledFlag("a")
				f.RolloutPercentage = 100
				return f
			}(),
			context: Context{Environment: "anything"},
			want:    true,
		},
		{
			name: "dependency veto overrides passing rules",
			flag: func() Flag {
				f := enabledFlag("a")
				f.Dependencies = []string{"b"}
				f.Rules = RuleSet{Rules: []Rule{{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{"42"}}}}
				return f
			}(),
			context: Context{SubjectID: "42"},
			resolve: func(string) bool { return false },
			want:    false,
		},
		{
			name: "dependency satisfied",
			flag: func() Flag {
				f := enabledFlag("a")
				f.Dependencies = []string{"b"}
				f.RolloutPercentage = 100
				return f
			}(),
			resolve: func(string) bool { return true },
			want:    true,
		},
		{
			name: "nil resolver vetoes dependencies",
			flag: func() Flag {
				f := enabledFlag("a")
				f.Dependencies = []string{"b"}
				f.RolloutPercentage = 100
				return f
			}(),
			want: false,
		},
		{
			name: "override true wins over failing rules and zero rollout",
			flag: func() Flag {
				f := enabledFlag("a")
				f.UserOverrides = map[string]bool{"42": true}
				f.Rules = RuleSet{Rules: []Rule{{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{"other"}}}}
				return f
			}(),
			context: Context{SubjectID: "42"},
			want:    true,
		},
		{
			name: "override false wins over full rollout",
			flag: func() Flag {
				f := enabledFlag("a")
				f.UserOverrides = map[string]bool{"42": false}
				f.RolloutPercentage = 100
				return f
			}(),
			context: Context{SubjectID: "42"},
			want:    false,
		},
		{
			name: "override ignored for other subjects",
			flag: func() Flag {
				f := enabledFlag("a")
				f.UserOverrides = map[string]bool{"42": false}
				f.RolloutPercentage = 100
				return f
			}(),
			context: Context{SubjectID: "7"},
			want:    true,
		},
		{
			name: "rule set default true skips rollout",
			flag: func() Flag {
				f := enabledFlag("a")
				f.Rules = RuleSet{
					Rules:   []Rule{{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{"other"}}},
					Default: true,
				}
				return f
			}(),
			context: Context{SubjectID: "42"},
			want:    true,
		},
		{
			name: "require_all fails when one rule misses",
			flag: func() Flag {
				f := enabledFlag("a")
				f.Rules = RuleSet{
					RequireAll: true,
					Rules: []Rule{
						{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{"42"}},
						{Kind: RuleJurisdiction, Operator: OperatorEquals, Jurisdiction: "ca"},
					},
				}
				return f
			}(),
			context: Context{SubjectID: "42", Jurisdiction: "on"},
			want:    false,
		},
		{
			name: "require_all passes when all rules match",
			flag: func() Flag {
				f := enabledFlag("a")
				f.Rules = RuleSet{
					RequireAll: true,
					Rules: []Rule{
						{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{"42"}},
						{Kind: RuleJurisdiction, Operator: OperatorEquals, Jurisdiction: "ca"},
					},
				}
				return f
			}(),
			context: Context{SubjectID: "42", Jurisdiction: "ca"},
			want:    true,
		},
		{
			name: "zero rollout no rules no overrides",
			flag: enabledFlag("a"),
			want: false,
		},
		{
			name: "full rollout regardless of subject",
			flag: func() Flag {
				f := enabledFlag("a")
				f.RolloutPercentage = 100
				return f
			}(),
			context: Context{SubjectID: "anyone-at-all"},
			want:    true,
		},
		{
			name: "unknown rule kind evaluates false and falls through",
			flag: func() Flag {
				f := enabledFlag("a")
				f.Rules = RuleSet{Rules: []Rule{{Kind: RuleKind("geo_fence")}}}
				return f
			}(),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluator.Evaluate(tt.flag, tt.context, tt.resolve); got != tt.want {
				t.Fatalf("Evaluate() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestEvaluateBetaSearchExample(t *testing.T) {
	evaluator := Evaluator{Now: fixedClock}
	flag := Flag{
		Name:    "beta_search",
		Kind:    KindRelease,
		Enabled: true,
		Rules: RuleSet{
			Rules: []Rule{{Kind: RuleUser, Operator: OperatorIn, Subjects: []string{"42"}}},
		},
	}

	if !evaluator.Evaluate(flag, Context{SubjectID: "42"}, nil) {
		t.Fatal("Evaluate(subject 42) = false, want true")
	}
	if evaluator.Evaluate(flag, Context{SubjectID: "7"}, nil) {
		t.Fatal("Evaluate(subject 7) = true, want false")
	}
}

func TestFlagValidate(t *testing.T) {
	tests := []struct {
		name    string
		flag    Flag
		wantErr bool
	}{
		{
			name: "valid flag",
			flag: Flag{Name: "a", Kind: KindRelease, RolloutPercentage: 50},
		},
		{
			name:    "missing name",
			flag:    Flag{Kind: KindRelease},
			wantErr: true,
		},
		{
			name: "name with dot and hyphen",
			flag: Flag{Name: "beta.search-v2", Kind: KindRelease},
		},
		{
			name:    "name with colon",
			flag:    Flag{Name: "beta:search", Kind: KindRelease},
			wantErr: true,
		},
		{
			name:    "name with glob metacharacter",
			flag:    Flag{Name: "beta*", Kind: KindRelease},
			wantErr: true,
		},
		{
			name:    "name starting with punctuation",
			flag:    Flag{Name: "-beta", Kind: KindRelease},
			wantErr: true,
		},
		{
			name:    "empty dependency name",
			flag:    Flag{Name: "a", Kind: KindRelease, Dependencies: []string{""}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			flag:    Flag{Name: "a", Kind: Kind("toggle")},
			wantErr: true,
		},
		{
			name:    "rollout above 100",
			flag:    Flag{Name: "a", Kind: KindRelease, RolloutPercentage: 101},
			wantErr: true,
		},
		{
			name:    "rollout below 0",
			flag:    Flag{Name: "a", Kind: KindRelease, RolloutPercentage: -1},
			wantErr: true,
		},
		{
			name:    "self dependency",
			flag:    Flag{Name: "a", Kind: KindRelease, Dependencies: []string{"a"}},
			wantErr: true,
		},
		{
			name: "bad rule operator",
			flag: Flag{
				Name: "a", Kind: KindRelease,
				Rules: RuleSet{Rules: []Rule{{Kind: RuleUser, Operator: OperatorEquals}}},
			},
			wantErr: true,
		},
		{
			name: "date_range rule without bounds",
			flag: Flag{
				Name: "a", Kind: KindRelease,
				Rules: RuleSet{Rules: []Rule{{Kind: RuleDateRange}}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flag.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}
