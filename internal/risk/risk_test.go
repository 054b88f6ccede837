package risk

import (
	"reflect"
	"testing"

	"github.com/ch1109/maestro/internal/roots"
)

func TestClassifyByName(t *testing.T) {
	tests := []struct {
		name        string
		tool        string
		wantLevel   Level
		wantKeyword string
	}{
		{name: "delete is critical", tool: "delete_file", wantLevel: LevelCritical, wantKeyword: "delete"},
		{name: "exec is critical", tool: "exec_command", wantLevel: LevelCritical, wantKeyword: "exec"},
		{name: "shell is critical", tool: "open-shell", wantLevel: LevelCritical, wantKeyword: "shell"},
		{name: "camel case boundary", tool: "dropTable", wantLevel: LevelCritical, wantKeyword: "drop"},
		{name: "payment is critical", tool: "initiate_payment", wantLevel: LevelCritical, wantKeyword: "payment"},
		{name: "send_money via substring", tool: "bank_send_money_v2", wantLevel: LevelCritical, wantKeyword: "send_money"},
		{name: "write is high", tool: "write_file", wantLevel: LevelHigh, wantKeyword: "write"},
		{name: "create is high", tool: "createIssue", wantLevel: LevelHigh, wantKeyword: "create"},
		{name: "upload is high", tool: "upload-artifact", wantLevel: LevelHigh, wantKeyword: "upload"},
		{name: "search is medium", tool: "search_code", wantLevel: LevelMedium, wantKeyword: "search"},
		{name: "list is medium", tool: "list_directory", wantLevel: LevelMedium, wantKeyword: "list"},
		{name: "highest tier wins", tool: "delete_and_list", wantLevel: LevelCritical, wantKeyword: "delete"},
		{name: "read is low", tool: "read_file", wantLevel: LevelLow, wantKeyword: ""},
		{name: "echo is low", tool: "echo", wantLevel: LevelLow, wantKeyword: ""},
		{name: "substring fallback", tool: "research", wantLevel: LevelMedium, wantKeyword: "search"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Classify(tt.tool, nil)
			if a.Level != tt.wantLevel {
				t.Errorf("Classify(%q).Level = %s, want %s", tt.tool, a.Level, tt.wantLevel)
			}
			if a.MatchedKeyword != tt.wantKeyword {
				t.Errorf("Classify(%q).MatchedKeyword = %q, want %q", tt.tool, a.MatchedKeyword, tt.wantKeyword)
			}
		})
	}
}

func TestClassifyPromotesOnDeniedPath(t *testing.T) {
	denied := []roots.PathDecision{
		{Status: roots.StatusAllowed, Path: "/project/a"},
		{Status: roots.StatusDenied, Path: "/etc/hosts", Reason: "outside configured roots"},
	}

	a := Classify("read_file", denied)
	if a.Level != LevelCritical {
		t.Errorf("Level = %s, want critical after denial", a.Level)
	}
	if a.DeniedPath() == nil || a.DeniedPath().Path != "/etc/hosts" {
		t.Errorf("DeniedPath() = %+v", a.DeniedPath())
	}

	invalid := []roots.PathDecision{{Status: roots.StatusInvalid, Path: "::"}}
	if a := Classify("read_file", invalid); a.Level != LevelCritical {
		t.Errorf("invalid path should promote, got %s", a.Level)
	}

	allowed := []roots.PathDecision{{Status: roots.StatusNoRoots, Path: "/x"}}
	if a := Classify("read_file", allowed); a.Level != LevelLow {
		t.Errorf("no_roots decision must not promote, got %s", a.Level)
	}
}

func TestLevelRank(t *testing.T) {
	ordered := []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Errorf("%s.Rank() = %d not above %s.Rank() = %d",
				ordered[i], ordered[i].Rank(), ordered[i-1], ordered[i-1].Rank())
		}
	}
	if Level("bogus").Valid() {
		t.Error("bogus level reported valid")
	}
}

func TestSplitWords(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"delete_file", []string{"delete", "file"}},
		{"deleteFile", []string{"delete", "file"}},
		{"open-shell", []string{"open", "shell"}},
		{"HTTPGet", []string{"httpget"}},
		{"getHTTPStatus", []string{"get", "httpstatus"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := splitWords(tt.input)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitWords(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPolicyRequires(t *testing.T) {
	deniedPath := []roots.PathDecision{{Status: roots.StatusDenied, Path: "/etc/hosts"}}

	tests := []struct {
		name   string
		policy Policy
		tool   string
		assess Assessment
		want   bool
	}{
		{
			name:   "default gates high",
			policy: DefaultPolicy(),
			tool:   "fs__write_file",
			assess: Classify("write_file", nil),
			want:   true,
		},
		{
			name:   "default gates critical",
			policy: DefaultPolicy(),
			tool:   "fs__delete_file",
			assess: Classify("delete_file", nil),
			want:   true,
		},
		{
			name:   "default passes medium",
			policy: DefaultPolicy(),
			tool:   "fs__list_directory",
			assess: Classify("list_directory", nil),
			want:   false,
		},
		{
			name:   "default passes low",
			policy: DefaultPolicy(),
			tool:   "fs__read_file",
			assess: Classify("read_file", nil),
			want:   false,
		},
		{
			name:   "deny list forces confirmation for low",
			policy: Policy{ConfirmLevels: []Level{LevelCritical}, DenyTools: []string{"fs__read_file"}},
			tool:   "fs__read_file",
			assess: Classify("read_file", nil),
			want:   true,
		},
		{
			name:   "deny list matches local name",
			policy: Policy{DenyTools: []string{"read_file"}},
			tool:   "fs__read_file",
			assess: Classify("read_file", nil),
			want:   true,
		},
		{
			name:   "allow list suppresses high",
			policy: Policy{ConfirmLevels: []Level{LevelHigh, LevelCritical}, AllowTools: []string{"fs__write_file"}},
			tool:   "fs__write_file",
			assess: Classify("write_file", nil),
			want:   false,
		},
		{
			name:   "allowed tool with denied path still gated",
			policy: Policy{ConfirmLevels: []Level{LevelHigh, LevelCritical}, AllowTools: []string{"fs__write_file"}},
			tool:   "fs__write_file",
			assess: Classify("write_file", deniedPath),
			want:   true,
		},
		{
			name:   "wildcard prefix",
			policy: Policy{DenyTools: []string{"payments__*"}},
			tool:   "payments__refund",
			assess: Classify("refund", nil),
			want:   true,
		},
		{
			name:   "custom confirm levels",
			policy: Policy{ConfirmLevels: []Level{LevelMedium, LevelHigh, LevelCritical}},
			tool:   "fs__list_directory",
			assess: Classify("list_directory", nil),
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Requires(tt.assess, tt.tool); got != tt.want {
				t.Errorf("Requires(%s level=%s) = %v, want %v",
					tt.tool, tt.assess.Level, got, tt.want)
			}
		})
	}
}
