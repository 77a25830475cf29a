package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseEnv turns KEY=VALUE entries into a map. An entry without "=" takes
// its value from lookup, or the empty string when lookup is nil or reports
// the key unset. Later entries override earlier ones.
func ParseEnv(entries []string, lookup func(string) (string, bool)) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, value, found := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid env entry %q: empty name", entry)
		}
		if !found {
			value = ""
			if lookup != nil {
				if v, ok := lookup(name); ok {
					value = v
				}
			}
		}
		out[name] = value
	}
	return out, nil
}

// ParseEnvFile reads KEY=VALUE lines. Blank lines and lines starting with
// "#" are skipped, leading whitespace is ignored and a UTF-8 byte order mark
// is stripped.
func ParseEnvFile(r io.Reader, lookup func(string) (string, bool)) (map[string]string, error) {
	var entries []string
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if first {
			line = bytes.TrimPrefix(line, []byte("\xef\xbb\xbf"))
			first = false
		}
		text := strings.TrimLeft(string(line), " \t")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		entries = append(entries, text)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return ParseEnv(entries, lookup)
}

// ReadEnvFile opens path and parses it with ParseEnvFile.
func ReadEnvFile(path string, lookup func(string) (string, bool)) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	env, err := ParseEnvFile(f, lookup)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}
