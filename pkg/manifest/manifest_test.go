package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusctl/pkg/failure"
	"github.com/3leaps/nimbusctl/pkg/jobs"
)

// validManifestYAML returns a minimal valid manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
image: python:3.12
command: python train.py
resources:
  cpu: 2
  memory_mb: 4096
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "image": "python:3.12",
  "command": "python train.py",
  "resources": {"cpu": 2, "memory_mb": 4096}
}`
}

// fullManifestYAML returns a manifest with every optional field.
func fullManifestYAML() string {
	return `$schema: https://schemas.3leaps.dev/nimbusctl/v1.0.0/job-manifest.schema.json
version: "1.0"
name: train-resnet
tags: [ml, nightly]
description: nightly training run
image: ghcr.io/acme/trainer:2.1
entrypoint: /bin/sh -c
command: python train.py --epochs 10
resources:
  cpu: 4.5
  memory_mb: 16384
  gpu: 1
  gpu_model: nvidia-a100
  shm: true
env:
  EPOCHS: "10"
volumes:
  - source: storage://datasets/imagenet
    destination: /data
    read_only: true
  - source: storage://results
    destination: /results
preemptible: true
restart_policy: on-failure
life_span: 1d6h
`
}

func TestLoadJob(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		filename string
		wantErr  bool
		errIs    error
		errText  string
		validate func(t *testing.T, m *JobManifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  validManifestYAML(),
			filename: "job.yaml",
			validate: func(t *testing.T, m *JobManifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "python:3.12", m.Image)
				assert.Equal(t, "python train.py", m.Command)
				assert.InDelta(t, 2.0, m.Resources.CPU, 0.001)
				assert.Equal(t, 4096, m.Resources.MemoryMB)
				assert.Equal(t, DefaultRestartPolicy, m.RestartPolicy)
			},
		},
		{
			name:     "valid JSON manifest",
			content:  validManifestJSON(),
			filename: "job.json",
			validate: func(t *testing.T, m *JobManifest) {
				assert.Equal(t, "python:3.12", m.Image)
				assert.Equal(t, 4096, m.Resources.MemoryMB)
			},
		},
		{
			name:     "full manifest with all options",
			content:  fullManifestYAML(),
			filename: "full.yml",
			validate: func(t *testing.T, m *JobManifest) {
				assert.Equal(t, "https://schemas.3leaps.dev/nimbusctl/v1.0.0/job-manifest.schema.json", m.Schema)
				assert.Equal(t, "train-resnet", m.Name)
				assert.Equal(t, []string{"ml", "nightly"}, m.Tags)
				assert.Equal(t, "/bin/sh -c", m.Entrypoint)
				assert.InDelta(t, 4.5, m.Resources.CPU, 0.001)
				assert.Equal(t, 1, m.Resources.GPU)
				assert.Equal(t, "nvidia-a100", m.Resources.GPUModel)
				assert.True(t, m.Resources.SharedMemory)
				assert.Equal(t, map[string]string{"EPOCHS": "10"}, m.Env)
				require.Len(t, m.Volumes, 2)
				assert.Equal(t, jobs.Volume{Source: "storage://datasets/imagenet", Destination: "/data", ReadOnly: true}, m.Volumes[0])
				assert.False(t, m.Volumes[1].ReadOnly)
				assert.True(t, m.Preemptible)
				assert.Equal(t, "on-failure", m.RestartPolicy)
				assert.Equal(t, "1d6h", m.LifeSpan)
			},
		},
		{
			name:     "empty file",
			content:  "  \n",
			filename: "empty.yaml",
			wantErr:  true,
			errText:  "empty",
		},
		{
			name:     "invalid YAML syntax",
			content:  "version: [invalid yaml",
			filename: "bad.yaml",
			wantErr:  true,
			errText:  "invalid YAML",
		},
		{
			name:     "invalid JSON syntax",
			content:  `{"version": "1.0"`,
			filename: "bad.json",
			wantErr:  true,
			errText:  "invalid JSON",
		},
		{
			name:     "top level list",
			content:  "- image: x\n",
			filename: "list.yaml",
			wantErr:  true,
			errText:  "mapping",
		},
		{
			name:     "missing image",
			content:  "version: \"1.0\"\ncommand: run\nresources:\n  cpu: 1\n  memory_mb: 128\n",
			filename: "no-image.yaml",
			wantErr:  true,
			errIs:    ErrInvalidManifest,
		},
		{
			name:     "wrong version",
			content:  strings.Replace(validManifestYAML(), `"1.0"`, `"2.0"`, 1),
			filename: "v2.yaml",
			wantErr:  true,
			errIs:    ErrInvalidManifest,
			errText:  "/version",
		},
		{
			name:     "unknown field rejected",
			content:  validManifestYAML() + "gpus: 2\n",
			filename: "typo.yaml",
			wantErr:  true,
			errIs:    ErrInvalidManifest,
		},
		{
			name:     "cpu out of range",
			content:  strings.Replace(validManifestYAML(), "cpu: 2", "cpu: 500", 1),
			filename: "cpu.yaml",
			wantErr:  true,
			errIs:    ErrInvalidManifest,
			errText:  "/resources/cpu",
		},
		{
			name:     "non-string env value",
			content:  validManifestYAML() + "env:\n  EPOCHS: 10\n",
			filename: "env.yaml",
			wantErr:  true,
			errIs:    ErrInvalidManifest,
		},
		{
			name:     "bad restart policy",
			content:  validManifestYAML() + "restart_policy: sometimes\n",
			filename: "restart.yaml",
			wantErr:  true,
			errIs:    ErrInvalidManifest,
		},
		{
			name:     "bad life span",
			content:  validManifestYAML() + "life_span: forever\n",
			filename: "span.yaml",
			wantErr:  true,
			errIs:    ErrInvalidManifest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			m, err := LoadJob(path)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errIs != nil {
					assert.ErrorIs(t, err, tt.errIs)
				}
				if tt.errText != "" {
					assert.Contains(t, err.Error(), tt.errText)
				}
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoadJob_FileErrors(t *testing.T) {
	t.Run("file not found", func(t *testing.T) {
		_, err := LoadJob("/nonexistent/path/job.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("permission denied", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("skipping permission test when running as root")
		}

		path := filepath.Join(t.TempDir(), "noperm.yaml")
		require.NoError(t, os.WriteFile(path, []byte(validManifestYAML()), 0o000))
		t.Cleanup(func() {
			_ = os.Chmod(path, 0o644)
		})

		_, err := LoadJob(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission")
	})
}

func TestParseJob_FormatDetection(t *testing.T) {
	for _, tc := range []struct {
		name, content, path string
	}{
		{"YAML by extension", validManifestYAML(), "job.yaml"},
		{"JSON by extension", validManifestJSON(), "job.json"},
		{"auto-detect YAML", validManifestYAML(), ""},
		{"auto-detect JSON", validManifestJSON(), ""},
		{"unknown extension", validManifestYAML(), "job.txt"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := ParseJob([]byte(tc.content), tc.path)
			require.NoError(t, err)
			assert.Equal(t, "python:3.12", m.Image)
		})
	}
}

func TestReadJob(t *testing.T) {
	m, err := ReadJob(strings.NewReader(validManifestYAML()), "job.yaml")
	require.NoError(t, err)
	assert.Equal(t, "python train.py", m.Command)
}

func TestJobManifest_Spec(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.env"),
		[]byte("# training settings\nEPOCHS=3\nLR=0.01\nHOME_DIR\n"), 0o644))

	m, err := ParseJob([]byte(fullManifestYAML()+"env_file: train.env\n"), "job.yaml")
	require.NoError(t, err)

	lookup := func(k string) (string, bool) {
		if k == "HOME_DIR" {
			return "/home/me", true
		}
		return "", false
	}
	spec, err := m.Spec(SpecOptions{BaseDir: dir, LookupEnv: lookup})
	require.NoError(t, err)

	assert.Equal(t, "train-resnet", spec.Name)
	assert.Equal(t, "ghcr.io/acme/trainer:2.1", spec.Image)
	assert.Equal(t, jobs.RestartOnFailure, spec.RestartPolicy)
	assert.Equal(t, 30*time.Hour, spec.LifeSpan)
	assert.Equal(t, map[string]string{
		"EPOCHS":   "10",
		"LR":       "0.01",
		"HOME_DIR": "/home/me",
	}, spec.Env, "manifest env overrides env_file")
	assert.Len(t, spec.Volumes, 2)
}

func TestJobManifest_SpecErrors(t *testing.T) {
	t.Run("missing env file", func(t *testing.T) {
		m := &JobManifest{Image: "x", Command: "run", EnvFile: "nope.env"}
		_, err := m.Spec(SpecOptions{BaseDir: t.TempDir()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "env file")
	})

	t.Run("spec validation", func(t *testing.T) {
		m := &JobManifest{Image: "x", Command: "run", Resources: jobs.Resources{CPU: 1, MemoryMB: 128, GPUModel: "a100"}}
		_, err := m.Spec(SpecOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, failure.ErrPermanent)
	})

	t.Run("zero life span", func(t *testing.T) {
		m := &JobManifest{Image: "x", Command: "run", Resources: jobs.Resources{CPU: 1, MemoryMB: 128}, LifeSpan: "0"}
		spec, err := m.Spec(SpecOptions{})
		require.NoError(t, err)
		assert.Zero(t, spec.LifeSpan)
		assert.Nil(t, spec.Env)
	})
}

func TestSchemaError(t *testing.T) {
	one := &SchemaError{Problems: []Problem{{Pointer: "/version", Message: "required"}}}
	assert.Equal(t, "/version: required", one.Error())
	assert.ErrorIs(t, one, ErrInvalidManifest)

	many := &SchemaError{Problems: []Problem{
		{Pointer: "/version", Message: "required"},
		{Message: "additional properties not allowed"},
	}}
	msg := many.Error()
	assert.True(t, strings.HasPrefix(msg, "2 problems in job manifest:"))
	assert.Contains(t, msg, "  - /version: required")
	assert.Contains(t, msg, "  - additional properties not allowed")
}

func TestCheckSchema_EmbeddedOutsideRepo(t *testing.T) {
	t.Chdir(t.TempDir())

	require.NoError(t, checkSchema([]byte(validManifestJSON())))

	err := checkSchema([]byte(`{"version":"1.0"}`))
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.NotEmpty(t, se.Problems)
}
