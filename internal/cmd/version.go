package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

type versionOutput struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

func currentVersion() versionOutput {
	deps := crucible.GetVersion()
	return versionOutput{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Gofulmen:  deps.Gofulmen,
		Crucible:  deps.Crucible,
	}
}

func runVersion(cmd *cobra.Command, args []string) error {
	v := currentVersion()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	name := "mentor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		name = id.BinaryName
	}
	_, _ = fmt.Fprintf(os.Stdout, "%s %s\n", name, v.Version)
	_, _ = fmt.Fprintf(os.Stdout, "  commit:   %s\n", v.Commit)
	_, _ = fmt.Fprintf(os.Stdout, "  built:    %s\n", v.BuildDate)
	_, _ = fmt.Fprintf(os.Stdout, "  go:       %s (%s)\n", v.GoVersion, v.Platform)
	if v.Gofulmen != "" {
		_, _ = fmt.Fprintf(os.Stdout, "  gofulmen: %s\n", v.Gofulmen)
	}
	return nil
}
