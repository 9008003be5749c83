package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "face-identity",
	Short: "Resolve faces of tracked profiles into durable person identities",
	Long: `Face Identity tracks the people appearing in the posts and stories of
monitored social profiles. Face embeddings produced by the detector are matched
against a per-profile person registry, the profile owner is told apart from
collaborators and strangers, and operators can correct the registry with merge,
separate, incorrect and confirm feedback.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
