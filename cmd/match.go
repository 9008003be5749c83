package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match <profile-id>",
	Short: "Match one face embedding against the person registry",
	Long: `Match a single face embedding against the persons of a tracked profile,
creating a new person when nothing is similar enough. The signature identifies
the detection (kind:source-id:face-index) so repeated deliveries are counted once.

Examples:
  face-identity match 1784 --signature post:C3xk:0 --embedding-file face.json
  face-identity match 1784 --signature story:981:1 --embedding 0.12,-0.03,...`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().String("signature", "", "Detection signature (required)")
	matchCmd.Flags().Float64Slice("embedding", nil, "Comma separated embedding values")
	matchCmd.Flags().String("embedding-file", "", "JSON file holding the embedding array")
	matchCmd.Flags().Bool("json", false, "Output as JSON")
}

// readEmbedding takes the embedding from --embedding or --embedding-file.
func readEmbedding(cmd *cobra.Command) ([]float32, error) {
	values := mustGetFloat64Slice(cmd, "embedding")
	if path := mustGetString(cmd, "embedding-file"); path != "" {
		if len(values) > 0 {
			return nil, errors.New("use either --embedding or --embedding-file")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading embedding file: %w", err)
		}
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("parsing embedding file: %w", err)
		}
	}
	if len(values) == 0 {
		return nil, errors.New("an embedding is required")
	}
	embedding := make([]float32, len(values))
	for i, v := range values {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	signature := mustGetString(cmd, "signature")
	if signature == "" {
		return errors.New("--signature is required")
	}
	embedding, err := readEmbedding(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Matcher.MatchOrCreate(ctx, args[0], embedding, signature)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(res)
	}

	switch {
	case res.Duplicate:
		fmt.Printf("Signature already counted for person %s\n", res.Person.ID)
	case res.Created:
		fmt.Printf("Created person %s (nearest similarity %.3f)\n", res.Person.ID, res.Similarity)
	default:
		fmt.Printf("Matched person %s (similarity %.3f)\n", res.Person.ID, res.Similarity)
	}
	fmt.Printf("  Role:        %s\n", res.Role)
	fmt.Printf("  Appearances: %d\n", res.Person.AppearanceCount)
	fmt.Printf("  Confidence:  %.2f\n", res.Person.IdentityConfidence)
	return nil
}
