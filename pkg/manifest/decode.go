package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadJob reads the manifest at path. See ParseJob for the accepted formats.
func LoadJob(path string) (*JobManifest, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("manifest %s not found", path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("manifest %s: permission denied", path)
	case err != nil:
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseJob(data, path)
}

// ReadJob drains r and parses it. name only selects the format.
func ReadJob(r io.Reader, name string) (*JobManifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseJob(data, name)
}

// ParseJob decodes a YAML or JSON manifest, checks it against the job
// manifest schema and fills in defaults.
//
// A .json name forces JSON and .yaml/.yml forces YAML. Any other name,
// including "", is read as YAML, which also accepts JSON documents.
// The schema sees the raw document, so unknown fields are errors rather
// than silently dropped.
func ParseJob(data []byte, name string) (*JobManifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest is empty")
	}

	doc, err := normalize(data, strings.ToLower(filepath.Ext(name)) == ".json")
	if err != nil {
		return nil, err
	}
	if err := checkSchema(doc); err != nil {
		return nil, err
	}

	var m JobManifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.ApplyDefaults()
	return &m, nil
}

// normalize returns the document as JSON with a mapping at the top level.
func normalize(data []byte, strictJSON bool) ([]byte, error) {
	var raw any
	if strictJSON {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}

	if _, ok := raw.(map[string]any); !ok {
		return nil, fmt.Errorf("manifest top level must be a mapping, got %T", raw)
	}
	return json.Marshal(raw)
}
