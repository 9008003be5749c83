package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/identity"
)

var reevaluateCmd = &cobra.Command{
	Use:   "reevaluate [profile-id...]",
	Short: "Re-run dominant identity aggregation",
	Long: `Scan the observation history of tracked profiles and promote the dominant
recurring person to profile owner when the evidence is strong enough. Profiles
with a confirmed owner are left alone.

Without arguments every tracked profile is re-evaluated.

Examples:
  face-identity reevaluate
  face-identity reevaluate 1784 2210 --json`,
	RunE: runReevaluate,
}

func init() {
	rootCmd.AddCommand(reevaluateCmd)

	reevaluateCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// ReevaluateResult summarizes a re-evaluation run.
type ReevaluateResult struct {
	Profiles      int                   `json:"profiles"`
	Promoted      int                   `json:"promoted"`
	Errors        int                   `json:"errors"`
	Promotions    []*identity.Promotion `json:"promotions"`
	DurationMs    int64                 `json:"duration_ms"`
}

func runReevaluate(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()
	startTime := time.Now()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	profileIDs := args
	if len(profileIDs) == 0 {
		profiles, err := a.store.ListProfiles(ctx)
		if err != nil {
			return err
		}
		for _, p := range profiles {
			profileIDs = append(profileIDs, p.ID)
		}
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(profileIDs),
			progressbar.OptionSetDescription("Re-evaluating"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("profiles"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
	}

	result := ReevaluateResult{Profiles: len(profileIDs)}
	for _, id := range profileIDs {
		promo, err := a.engine.Aggregator.Reevaluate(ctx, id)
		if err != nil {
			a.logger.Error("re-evaluation failed", zap.String("profile_id", id), zap.Error(err))
			result.Errors++
		} else {
			result.Promotions = append(result.Promotions, promo)
			if promo.Promoted != nil {
				result.Promoted++
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	duration := time.Since(startTime)
	result.DurationMs = duration.Milliseconds()
	if jsonOutput {
		return outputJSON(result)
	}

	fmt.Println("\nRe-evaluation complete!")
	fmt.Printf("  Profiles: %d\n", result.Profiles)
	fmt.Printf("  Promoted: %d\n", result.Promoted)
	for _, p := range result.Promotions {
		if p.Promoted != nil {
			fmt.Printf("    %s -> %s\n", p.ProfileID, p.Promoted.ID)
		}
	}
	if result.Errors > 0 {
		fmt.Printf("  Errors:   %d\n", result.Errors)
	}
	fmt.Printf("  Duration: %s\n", formatDuration(duration))
	if result.Errors > 0 {
		return fmt.Errorf("%d profiles failed", result.Errors)
	}
	return nil
}
