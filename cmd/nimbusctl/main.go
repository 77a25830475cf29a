// Command nimbusctl submits remote compute jobs and syncs data with remote
// storage.
package main

import (
	"os"

	"github.com/3leaps/nimbusctl/internal/cmd"
)

// Set via -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
