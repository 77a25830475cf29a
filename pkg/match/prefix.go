package match

import (
	"sort"
	"strings"
)

// DerivePrefix extracts the longest static directory prefix of a glob
// pattern, for narrowing a remote listing.
//
//	"data/2026/**/*.parquet" -> "data/2026/"
//	"*.json"                 -> ""
//	"exact/path/file.txt"    -> "exact/path/file.txt"
//	"data/file\*.txt"        -> "data/file*.txt"
func DerivePrefix(pattern string) string {
	pattern = NormalizePattern(pattern)
	idx := firstMeta(pattern)
	switch idx {
	case -1:
		return unescape(pattern)
	case 0:
		return ""
	}
	prefix := pattern[:idx]
	slash := strings.LastIndex(prefix, "/")
	if slash < 0 {
		return ""
	}
	return unescape(prefix[:slash+1])
}

// firstMeta returns the index of the first unescaped * ? [ or {, or -1.
func firstMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i+1 < len(pattern) {
				i++
			}
		case '*', '?', '[', '{':
			return i
		}
	}
	return -1
}

func unescape(prefix string) string {
	if !strings.ContainsRune(prefix, '\\') {
		return prefix
	}
	var b strings.Builder
	b.Grow(len(prefix))
	for i := 0; i < len(prefix); i++ {
		if prefix[i] == '\\' && i+1 < len(prefix) && strings.IndexByte(globEscapable, prefix[i+1]) >= 0 {
			i++
		}
		b.WriteByte(prefix[i])
	}
	return b.String()
}

// DerivePrefixes derives one prefix per pattern and drops prefixes covered
// by a shorter one. The result is sorted; [""] means a full listing.
func DerivePrefixes(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	prefixes := make([]string, 0, len(patterns))
	for _, p := range patterns {
		d := DerivePrefix(p)
		if d == "" {
			return []string{""}
		}
		prefixes = append(prefixes, d)
	}

	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) < len(prefixes[j]) })
	out := make([]string, 0, len(prefixes))
	for _, cand := range prefixes {
		covered := false
		for _, kept := range out {
			if strings.HasPrefix(cand, kept) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, cand)
		}
	}
	sort.Strings(out)
	return out
}

// IsGlobPattern reports whether pattern has an unescaped metacharacter.
func IsGlobPattern(pattern string) bool {
	return firstMeta(NormalizePattern(pattern)) != -1
}
