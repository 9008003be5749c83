package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-identity/internal/database"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage tracked profiles",
}

var profileAddCmd = &cobra.Command{
	Use:   "add <profile-id>",
	Short: "Register or update a tracked profile",
	Long: `Register a tracked profile, or update the username and match threshold of
an existing one. A threshold of 0 uses the configured default.

Examples:
  face-identity profile add 1784 --username jane.doe
  face-identity profile add 1784 --threshold 0.5`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileAdd,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileAddCmd)
	profileCmd.AddCommand(profileListCmd)

	profileAddCmd.Flags().String("username", "", "Social username of the profile owner")
	profileAddCmd.Flags().Float64("threshold", 0, "Match threshold override within [0, 1]")
	profileListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runProfileAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	profile := &database.Profile{
		ID:             args[0],
		Username:       mustGetString(cmd, "username"),
		MatchThreshold: mustGetFloat64(cmd, "threshold"),
	}
	if err := a.engine.Registry.RegisterProfile(ctx, profile); err != nil {
		return err
	}
	fmt.Printf("Profile %s registered (username %q)\n", profile.ID, profile.Username)
	return nil
}

func runProfileList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	profiles, err := a.store.ListProfiles(ctx)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(profiles)
	}
	if len(profiles) == 0 {
		fmt.Println("No tracked profiles")
		return nil
	}
	for _, p := range profiles {
		threshold := "default"
		if p.MatchThreshold > 0 {
			threshold = fmt.Sprintf("%.2f", p.MatchThreshold)
		}
		fmt.Printf("%-24s @%-24s threshold %s\n", p.ID, p.Username, threshold)
	}
	return nil
}
