// Package manifest provides loading and validation of nimbusctl job manifests.
//
// A job manifest is a YAML or JSON file describing one remote job: the
// container image, the command, requested resources, environment and
// mounted storage volumes.
//
// Manifests are validated against an embedded JSON Schema before they are
// converted into a jobs.Spec. The schema enforces strict typing and disallows
// unknown properties, so a typo in a field name fails loudly instead of being
// silently ignored.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: train-resnet
//	tags: [ml, nightly]
//	image: ghcr.io/acme/trainer:2.1
//	command: python train.py --epochs 10
//	resources:
//	  cpu: 4
//	  memory_mb: 16384
//	  gpu: 1
//	  gpu_model: nvidia-a100
//	env_file: train.env
//	env:
//	  EPOCHS: "10"
//	volumes:
//	  - source: storage://datasets/imagenet
//	    destination: /data
//	    read_only: true
//	restart_policy: on-failure
//	life_span: 1d6h
package manifest

import "github.com/3leaps/nimbusctl/pkg/jobs"

// JobManifest is a parsed job manifest.
//
// Required fields are Version, Image, Command and Resources (cpu and
// memory_mb). Everything else is optional.
type JobManifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`

	// Image is the container image reference.
	Image string `json:"image" yaml:"image"`

	// Entrypoint overrides the image entrypoint. Optional.
	Entrypoint string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`

	// Command is the command line run inside the container.
	Command string `json:"command" yaml:"command"`

	Resources jobs.Resources `json:"resources" yaml:"resources"`

	// Env sets environment variables. Values here override EnvFile.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// EnvFile names a KEY=VALUE file, relative to the manifest directory.
	EnvFile string `json:"env_file,omitempty" yaml:"env_file,omitempty"`

	Volumes []jobs.Volume `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// Preemptible allows the job to run on instances that may be reclaimed.
	Preemptible bool `json:"preemptible,omitempty" yaml:"preemptible,omitempty"`

	// RestartPolicy is one of "never", "on-failure", "always".
	// Default: "never".
	RestartPolicy string `json:"restart_policy,omitempty" yaml:"restart_policy,omitempty"`

	// LifeSpan bounds the job run time, written like "1d2h3m4s". "0"
	// disables the limit. Empty leaves the choice to the caller.
	LifeSpan string `json:"life_span,omitempty" yaml:"life_span,omitempty"`
}

// Default values for optional fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultRestartPolicy is applied when restart_policy is omitted.
	DefaultRestartPolicy = "never"
)

// ApplyDefaults fills in default values for optional fields.
func (m *JobManifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.RestartPolicy == "" {
		m.RestartPolicy = DefaultRestartPolicy
	}
}
