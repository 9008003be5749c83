package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Release builds stamp these through the linker, e.g.
//
//	go build -ldflags "-X github.com/kozaktomas/face-identity/cmd.Version=v1.4.0 \
//	  -X github.com/kozaktomas/face-identity/cmd.CommitSHA=$(git rev-parse HEAD) \
//	  -X github.com/kozaktomas/face-identity/cmd.BuildDate=$(date -u +%FT%TZ)"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

type buildInfo struct {
	Version   string `json:"version"`
	CommitSHA string `json:"commit"`
	BuildDate string `json:"built"`
	GoVersion string `json:"go"`
}

// currentBuild reports the linker-stamped values, falling back to the VCS
// settings the go command embeds for plain builds.
func currentBuild() buildInfo {
	b := buildInfo{Version: Version, CommitSHA: CommitSHA, BuildDate: BuildDate, GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && b.CommitSHA == "unknown":
			b.CommitSHA = s.Value
		case s.Key == "vcs.time" && b.BuildDate == "unknown":
			b.BuildDate = s.Value
		}
	}
	return b
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := currentBuild()
		if mustGetBool(cmd, "json") {
			return outputJSON(b)
		}
		fmt.Printf("face-identity %s (%s)\n", b.Version, b.GoVersion)
		fmt.Printf("  Commit: %s\n", b.CommitSHA)
		fmt.Printf("  Built:  %s\n", b.BuildDate)
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(versionCmd)
}
