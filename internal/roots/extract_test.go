package roots

import (
	"reflect"
	"sort"
	"testing"
)

func sorted(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}

func TestExtractPaths(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{
			name: "reserved key plain value",
			args: map[string]any{"path": "notes.txt"},
			want: []string{"notes.txt"},
		},
		{
			name: "reserved key case insensitive",
			args: map[string]any{"FilePath": "/a/b", "URL": "file:///c"},
			want: []string{"/a/b", "file:///c"},
		},
		{
			name: "reserved key string array",
			args: map[string]any{"file": []any{"a.txt", "b.txt"}},
			want: []string{"a.txt", "b.txt"},
		},
		{
			name: "bare string with separator",
			args: map[string]any{"note": "see /etc/hosts for details"},
			want: []string{"see /etc/hosts for details"},
		},
		{
			name: "bare string with backslash",
			args: map[string]any{"win": `C:\Users\x`},
			want: []string{`C:\Users\x`},
		},
		{
			name: "bare string with tilde",
			args: map[string]any{"somewhere": "~/docs"},
			want: []string{"~/docs"},
		},
		{
			name: "plain words ignored",
			args: map[string]any{"message": "hello world", "count": float64(3), "on": true},
			want: nil,
		},
		{
			name: "nested object",
			args: map[string]any{
				"options": map[string]any{
					"output": "/project/out.txt",
				},
			},
			want: []string{"/project/out.txt"},
		},
		{
			name: "array of objects",
			args: map[string]any{
				"files": []any{
					map[string]any{"source": "/a"},
					map[string]any{"source": "/b"},
				},
			},
			want: []string{"/a", "/b"},
		},
		{
			name: "duplicates collapsed",
			args: map[string]any{
				"path":   "/project/a",
				"target": "/project/a",
			},
			want: []string{"/project/a"},
		},
		{
			name: "non-reserved plain strings in arrays ignored",
			args: map[string]any{"tags": []any{"alpha", "beta"}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractPaths(tt.args)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(sorted(got), sorted(tt.want)) {
				t.Errorf("ExtractPaths() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractPathsDepthCap(t *testing.T) {
	within := map[string]any{
		"l1": map[string]any{"l2": map[string]any{"l3": map[string]any{
			"l4": map[string]any{"l5": map[string]any{"path": "/deep"}}},
		}},
	}
	if got := ExtractPaths(within); len(got) != 1 || got[0] != "/deep" {
		t.Errorf("ExtractPaths() at depth 5 = %v, want [/deep]", got)
	}

	beyond := map[string]any{
		"l1": map[string]any{"l2": map[string]any{"l3": map[string]any{
			"l4": map[string]any{"l5": map[string]any{"l6": map[string]any{"path": "/deeper"}}}},
		}},
	}
	if got := ExtractPaths(beyond); len(got) != 0 {
		t.Errorf("ExtractPaths() beyond depth cap = %v, want none", got)
	}
}
