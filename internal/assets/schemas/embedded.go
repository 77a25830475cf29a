// Package schemasassets bundles the JSON schemas nimbusctl validates
// against, so an installed binary needs no schema files on disk.
package schemasassets

import _ "embed"

//go:embed job-manifest.schema.json
var jobManifest []byte

// JobManifest returns the job manifest schema document.
func JobManifest() []byte { return jobManifest }
