package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Match(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		path string
		want bool
	}{
		{"no includes selects everything", Config{}, "a/b/c.txt", true},
		{"hidden file skipped by default", Config{}, "a/.env", false},
		{"hidden dir skipped by default", Config{}, ".git/config", false},
		{"hidden kept when enabled", Config{IncludeHidden: true}, ".git/config", true},
		{"include extension", Config{Includes: []string{"**/*.csv"}}, "data/2026/x.csv", true},
		{"include extension at root", Config{Includes: []string{"**/*.csv"}}, "x.csv", true},
		{"include miss", Config{Includes: []string{"**/*.csv"}}, "data/x.json", false},
		{"exclude wins", Config{Includes: []string{"**"}, Excludes: []string{"tmp/**"}}, "tmp/a", false},
		{"exclude does not touch others", Config{Excludes: []string{"tmp/**"}}, "src/tmp.go", true},
		{"brace alternatives", Config{Includes: []string{"*.{yaml,yml}"}}, "job.yml", true},
		{"windows separators", Config{Includes: []string{`data\sub\file.bin`}}, "data/sub/file.bin", true},
		{"escaped star is literal", Config{Includes: []string{`file\*.txt`}}, "file*.txt", true},
		{"escaped star does not glob", Config{Includes: []string{`file\*.txt`}}, "fileX.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestMatcher_InvalidPattern(t *testing.T) {
	_, err := New(Config{Includes: []string{"data/[a-"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	var pe *PatternError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "data/[a-", pe.Pattern)

	_, err = New(Config{Excludes: []string{"tmp/[x"}})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestMatcher_MatchFileSize(t *testing.T) {
	m, err := New(Config{MinSize: "1KB", MaxSize: "1MiB"})
	require.NoError(t, err)

	assert.False(t, m.MatchFile("a.bin", 999))
	assert.True(t, m.MatchFile("a.bin", 1000))
	assert.True(t, m.MatchFile("a.bin", MiB))
	assert.False(t, m.MatchFile("a.bin", MiB+1))

	all, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, all.MatchFile("empty", 0), "zero-byte files pass without bounds")

	_, err = New(Config{MinSize: "2MB", MaxSize: "1MB"})
	assert.Error(t, err)
	_, err = New(Config{MaxSize: "lots"})
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestMatcher_SkipDir(t *testing.T) {
	m, err := New(Config{Excludes: []string{"**/node_modules/**", "build/**", "*.tmp"}})
	require.NoError(t, err)

	assert.True(t, m.SkipDir("node_modules"))
	assert.True(t, m.SkipDir("web/node_modules"))
	assert.True(t, m.SkipDir("build"))
	assert.True(t, m.SkipDir(".cache"))
	assert.False(t, m.SkipDir("src"))
	assert.False(t, m.SkipDir("."))
	assert.False(t, m.SkipDir("builder"))
}

func TestAll(t *testing.T) {
	m := All()
	assert.True(t, m.Match(".hidden/x"))
	assert.True(t, m.MatchFile("big", 10*TiB))
	assert.Equal(t, []string{""}, m.Prefixes())
}

func TestIsHidden(t *testing.T) {
	assert.False(t, IsHidden("path/to/file.txt"))
	assert.True(t, IsHidden(".hidden/file.txt"))
	assert.True(t, IsHidden("path/to/.gitignore"))
	assert.False(t, IsHidden("path/to/file.txt."))
	assert.False(t, IsHidden("./file.txt"))
	assert.False(t, IsHidden(""))
}

func TestDerivePrefix(t *testing.T) {
	tests := map[string]string{
		"data/2026/**/*.parquet": "data/2026/",
		"*.json":                 "",
		"**":                     "",
		"logs/app-{a,b}/*.log":   "logs/",
		"exact/path/file.txt":    "exact/path/file.txt",
		"data/[0-9]*/*.csv":      "data/",
		"data/2026-*":            "data/",
		`data/file\*.txt`:        "data/file*.txt",
		`data/\[backup\]/*.log`:  "data/[backup]/",
	}
	for pattern, want := range tests {
		t.Run(pattern, func(t *testing.T) {
			assert.Equal(t, want, DerivePrefix(pattern))
		})
	}
}

func TestDerivePrefixes(t *testing.T) {
	assert.Equal(t, []string{"data/2025/", "data/2026/"}, DerivePrefixes([]string{"data/2026/**", "data/2025/**"}))
	assert.Equal(t, []string{"data/"}, DerivePrefixes([]string{"data/2026/**", "data/**"}))
	assert.Equal(t, []string{""}, DerivePrefixes([]string{"data/**", "**/*.json"}))
	assert.Nil(t, DerivePrefixes(nil))
}

func TestIsGlobPattern(t *testing.T) {
	assert.True(t, IsGlobPattern("data/**/*.parquet"))
	assert.True(t, IsGlobPattern("file?.csv"))
	assert.False(t, IsGlobPattern(`data/file\*.txt`))
	assert.False(t, IsGlobPattern("path/to/file.txt"))
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"1KB", 1000, false},
		{"1kib", 1024, false},
		{"100 MB", 100 * MB, false},
		{"1.5GiB", GiB + GiB/2, false},
		{"2T", 2 * TB, false},
		{"", 0, true},
		{"MB", 0, true},
		{"10XB", 0, true},
		{"1.2.3", 0, true},
		{"-5", 0, true},
		{"99999999999TiB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0B", FormatSize(0))
	assert.Equal(t, "1023B", FormatSize(1023))
	assert.Equal(t, "1.0KiB", FormatSize(KiB))
	assert.Equal(t, "1.5MiB", FormatSize(MiB+MiB/2))
	assert.Equal(t, "2.0GiB", FormatSize(2*GiB))
	assert.Equal(t, "1.0TiB", FormatSize(TiB))
}
