package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/detector"
	"github.com/kozaktomas/face-identity/internal/identity"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <profile-id> <post|story> <source-id> <file>",
	Short: "Resolve the people in one post or story",
	Long: `Send the media of a post or story to the face detector, match every
detected face against the person registry and decide who is the profile owner.
The participant summary is stored for the source and printed.

With --detected the file is read as already detected resolver input (JSON)
and the detector is not called.

Examples:
  face-identity resolve 1784 post C3xk photo.jpg --caption "sunday run with @mark"
  face-identity resolve 1784 story 981 frame.json --detected`,
	Args: cobra.ExactArgs(4),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().String("caption", "", "Post caption")
	resolveCmd.Flags().StringSlice("mention", nil, "Additional mentioned usernames")
	resolveCmd.Flags().String("observed-at", "", "Publication time (RFC 3339, default now)")
	resolveCmd.Flags().Bool("detected", false, "Read the file as detector output instead of media")
	resolveCmd.Flags().Bool("json", false, "Output as JSON")
}

func readSourceInput(ctx context.Context, cmd *cobra.Command, detectorURL, path string) (identity.SourceInput, error) {
	var in identity.SourceInput
	data, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("reading %s: %w", path, err)
	}

	var observedAt time.Time
	if s := mustGetString(cmd, "observed-at"); s != "" {
		if observedAt, err = time.Parse(time.RFC3339, s); err != nil {
			return in, fmt.Errorf("invalid --observed-at: %w", err)
		}
	}

	if mustGetBool(cmd, "detected") {
		if err := json.Unmarshal(data, &in); err != nil {
			return in, fmt.Errorf("parsing detector output: %w", err)
		}
		if caption := mustGetString(cmd, "caption"); caption != "" {
			in.Evidence.Caption = caption
		}
		if !observedAt.IsZero() {
			in.ObservedAt = observedAt
		}
	} else {
		result, err := detector.NewClient(detectorURL).Detect(ctx, data)
		if err != nil {
			return in, err
		}
		in = result.SourceInput(mustGetString(cmd, "caption"), observedAt)
	}
	in.Evidence.Usernames = append(in.Evidence.Usernames, mustGetStringSlice(cmd, "mention")...)
	return in, nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	profileID := args[0]
	src, err := database.ParseSource(args[1], args[2])
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := readSourceInput(ctx, cmd, a.cfg.Detector.URL, args[3])
	if err != nil {
		return err
	}
	res, err := a.engine.Resolver.ProcessSource(ctx, profileID, src, in)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(res)
	}
	printSourceResult(res)
	return nil
}

func printSourceResult(res *identity.SourceResult) {
	fmt.Printf("Source %s: %d faces\n", res.Source, len(res.Faces))
	for _, f := range res.Faces {
		switch {
		case f.Error != "":
			fmt.Printf("  #%d rejected: %s\n", f.FaceIndex, f.Error)
		case f.Created:
			fmt.Printf("  #%d new person %s\n", f.FaceIndex, f.PersonID)
		case f.Duplicate:
			fmt.Printf("  #%d person %s (already counted)\n", f.FaceIndex, f.PersonID)
		default:
			fmt.Printf("  #%d person %s (similarity %.3f)\n", f.FaceIndex, f.PersonID, f.Similarity)
		}
	}

	r := res.Resolution
	if r == nil {
		return
	}
	if r.Skipped {
		fmt.Printf("\nResolution skipped: %s\n", r.Reason)
		return
	}
	if r.Owner != nil {
		fmt.Printf("\nProfile owner: %s\n", r.Owner.ID)
	}
	if len(r.Demoted) > 0 {
		fmt.Printf("Demoted: %v\n", r.Demoted)
	}
	if r.Summary != nil {
		fmt.Printf("\n%s\n", r.Summary.Text)
	}
}
