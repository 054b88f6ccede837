package roots

import "strings"

// maxExtractDepth bounds recursion into nested argument structures.
const maxExtractDepth = 6

// reservedPathKeys are argument names whose string values are always treated
// as path candidates, whatever they contain.
var reservedPathKeys = map[string]bool{
	"path":        true,
	"file":        true,
	"filepath":    true,
	"filename":    true,
	"file_path":   true,
	"uri":         true,
	"url":         true,
	"source":      true,
	"target":      true,
	"destination": true,
	"dest":        true,
	"input":       true,
	"output":      true,
	"directory":   true,
	"dir":         true,
	"folder":      true,
	"location":    true,
	"resource":    true,
}

// ExtractPaths walks tool arguments and collects every value that could name
// a filesystem path: values under reserved keys, plus any bare string that
// contains a separator or starts with ~. Deliberately permissive; a false
// positive surfaces as a denial a human can approve, a false negative
// bypasses root enforcement entirely.
func ExtractPaths(args map[string]any) []string {
	var out []string
	seen := make(map[string]bool)
	for key, value := range args {
		extractFrom(key, value, 0, &out, seen)
	}
	return out
}

func extractFrom(key string, value any, depth int, out *[]string, seen map[string]bool) {
	if depth >= maxExtractDepth {
		return
	}

	reserved := reservedPathKeys[strings.ToLower(key)]

	switch v := value.(type) {
	case string:
		if reserved || looksLikePath(v) {
			collect(v, out, seen)
		}

	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				if reserved || looksLikePath(s) {
					collect(s, out, seen)
				}
				continue
			}
			extractFrom("", item, depth+1, out, seen)
		}

	case []string:
		for _, s := range v {
			if reserved || looksLikePath(s) {
				collect(s, out, seen)
			}
		}

	case map[string]any:
		for k, item := range v {
			extractFrom(k, item, depth+1, out, seen)
		}
	}
}

// looksLikePath reports whether a bare string resembles a filesystem path.
func looksLikePath(s string) bool {
	if s == "" {
		return false
	}
	return strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, "~")
}

func collect(s string, out *[]string, seen map[string]bool) {
	if s == "" || seen[s] {
		return
	}
	seen[s] = true
	*out = append(*out, s)
}
