package manifest

import (
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/nimbusctl/pkg/jobs"
)

var lifeSpanPattern = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseLifeSpan parses a run-time limit written like "1d2h3m4s"; any part
// may be missing. "0" returns zero, which disables the limit.
func ParseLifeSpan(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("could not parse life span: empty string not allowed")
	}
	if value == "0" {
		return 0, nil
	}
	m := lifeSpanPattern.FindStringSubmatch(value)
	if m == nil {
		return 0, fmt.Errorf("could not parse life span %q: should be like '1d2h3m4s' (some parts may be missing)", value)
	}

	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("could not parse life span %q: %w", value, err)
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

// ParseVolume parses a volume written as SOURCE:DESTINATION[:ro|:rw].
// SOURCE may itself contain a scheme such as "storage://".
func ParseVolume(value string) (jobs.Volume, error) {
	var v jobs.Volume
	rest := value
	switch {
	case strings.HasSuffix(rest, ":ro"):
		v.ReadOnly = true
		rest = strings.TrimSuffix(rest, ":ro")
	case strings.HasSuffix(rest, ":rw"):
		rest = strings.TrimSuffix(rest, ":rw")
	}

	offset := 0
	if s := strings.Index(rest, "://"); s >= 0 {
		offset = s + len("://")
	}
	i := strings.LastIndex(rest[offset:], ":")
	if i >= 0 {
		i += offset
	}
	if i <= 0 || i == len(rest)-1 {
		return jobs.Volume{}, fmt.Errorf("invalid volume %q: expected SOURCE:DESTINATION[:ro|:rw]", value)
	}
	v.Source, v.Destination = rest[:i], rest[i+1:]
	if !strings.HasPrefix(v.Destination, "/") {
		return jobs.Volume{}, fmt.Errorf("invalid volume %q: destination must be an absolute path", value)
	}
	return v, nil
}

// SpecOptions controls JobManifest.Spec.
type SpecOptions struct {
	// BaseDir resolves a relative env_file. Usually the manifest directory.
	BaseDir string

	// LookupEnv fills env_file entries that have no "=". Nil leaves them
	// empty.
	LookupEnv func(string) (string, bool)
}

// Spec converts the manifest into a validated jobs.Spec.
//
// Variables from env_file are applied first and env overrides them. An
// omitted life_span yields a zero LifeSpan.
func (m *JobManifest) Spec(opts SpecOptions) (jobs.Spec, error) {
	env := map[string]string{}
	if m.EnvFile != "" {
		path := m.EnvFile
		if !filepath.IsAbs(path) && opts.BaseDir != "" {
			path = filepath.Join(opts.BaseDir, path)
		}
		fileEnv, err := ReadEnvFile(path, opts.LookupEnv)
		if err != nil {
			return jobs.Spec{}, err
		}
		maps.Copy(env, fileEnv)
	}
	maps.Copy(env, m.Env)

	var lifeSpan time.Duration
	if m.LifeSpan != "" {
		d, err := ParseLifeSpan(m.LifeSpan)
		if err != nil {
			return jobs.Spec{}, err
		}
		lifeSpan = d
	}

	spec := jobs.Spec{
		Name:          m.Name,
		Tags:          m.Tags,
		Description:   m.Description,
		Image:         m.Image,
		Entrypoint:    m.Entrypoint,
		Command:       m.Command,
		Resources:     m.Resources,
		Volumes:       m.Volumes,
		Preemptible:   m.Preemptible,
		RestartPolicy: jobs.RestartPolicy(m.RestartPolicy),
		LifeSpan:      lifeSpan,
	}
	if len(env) > 0 {
		spec.Env = env
	}
	if err := spec.Validate(); err != nil {
		return jobs.Spec{}, err
	}
	return spec, nil
}
