package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	// version works without a valid configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

type versionReport struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Go        string `json:"go"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Platform  string `json:"platform"`
}

func runVersion(cmd *cobra.Command, _ []string) error {
	report := versionReport{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		Go:        runtime.Version(),
		Gofulmen:  crucible.GetVersion().Gofulmen,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		return enc.Encode(report)
	}
	_, err := fmt.Fprintf(out, "nimbusctl %s (commit %s, built %s, %s %s)\n",
		report.Version, report.Commit, report.BuildDate, report.Go, report.Platform)
	return err
}
