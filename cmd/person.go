package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-identity/internal/database"
)

var personCmd = &cobra.Command{
	Use:   "person",
	Short: "Inspect and correct the person registry of a profile",
}

var personListCmd = &cobra.Command{
	Use:   "list <profile-id>",
	Short: "List the persons of a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonList,
}

var personShowCmd = &cobra.Command{
	Use:   "show <profile-id> <person-id>",
	Short: "Show a person and its observations",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonShow,
}

var personMergeCmd = &cobra.Command{
	Use:   "merge <profile-id> <source-person-id> <target-person-id>",
	Short: "Merge two persons that are the same individual",
	Long: `Fold the source person into the target. Observations and signatures move to
the target and the source stays behind as a merged redirect.`,
	Args: cobra.ExactArgs(3),
	RunE: runPersonMerge,
}

var personSeparateCmd = &cobra.Command{
	Use:   "separate <profile-id> <person-id> <observation-id>",
	Short: "Split one wrongly matched observation into a new person",
	Args:  cobra.ExactArgs(3),
	RunE:  runPersonSeparate,
}

var personIncorrectCmd = &cobra.Command{
	Use:   "incorrect <profile-id> <person-id>",
	Short: "Retire a person that is not a real or relevant identity",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonIncorrect,
}

var personConfirmCmd = &cobra.Command{
	Use:   "confirm <profile-id> <person-id>",
	Short: "Confirm a person as the profile owner",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonConfirm,
}

var personLinkOwnerCmd = &cobra.Command{
	Use:   "link-owner <profile-id> <person-id>",
	Short: "Link the profile username to a person",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonLinkOwner,
}

func init() {
	rootCmd.AddCommand(personCmd)
	for _, c := range []*cobra.Command{
		personListCmd, personShowCmd, personMergeCmd, personSeparateCmd,
		personIncorrectCmd, personConfirmCmd, personLinkOwnerCmd,
	} {
		personCmd.AddCommand(c)
		c.Flags().Bool("json", false, "Output as JSON")
	}

	personListCmd.Flags().Bool("all", false, "Include merged and incorrect persons")
	personIncorrectCmd.Flags().String("reason", "", "Why the person is incorrect")
	personConfirmCmd.Flags().String("label", "", "Display label of the owner")
}

// withApp opens the application for the duration of fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printPerson(p *database.Person) {
	fmt.Printf("%s\n", p.ID)
	fmt.Printf("  Role:         %s\n", p.Role)
	if p.Label != "" {
		fmt.Printf("  Label:        %s\n", p.Label)
	}
	fmt.Printf("  Status:       %s\n", p.RealPersonStatus)
	fmt.Printf("  Appearances:  %d\n", p.AppearanceCount)
	fmt.Printf("  Confidence:   %.2f\n", p.IdentityConfidence)
	if p.Relationship != database.RelationshipNone {
		fmt.Printf("  Relationship: %s\n", p.Relationship)
	}
	if len(p.LinkedUsernames) > 0 {
		fmt.Printf("  Usernames:    %v\n", p.LinkedUsernames)
	}
	if p.MergedIntoPersonID != "" {
		fmt.Printf("  Merged into:  %s\n", p.MergedIntoPersonID)
	}
	if !p.LastSeenAt.IsZero() {
		fmt.Printf("  Last seen:    %s\n", p.LastSeenAt.Format("2006-01-02 15:04"))
	}
}

func runPersonList(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		persons, err := a.engine.Registry.Persons(ctx, args[0])
		if err != nil {
			return err
		}
		if !mustGetBool(cmd, "all") {
			active := persons[:0]
			for _, p := range persons {
				if p.Active() {
					active = append(active, p)
				}
			}
			persons = active
		}
		if mustGetBool(cmd, "json") {
			for i := range persons {
				persons[i].CanonicalEmbedding = nil
			}
			return outputJSON(persons)
		}
		if len(persons) == 0 {
			fmt.Println("No persons")
			return nil
		}
		for _, p := range persons {
			label := p.Label
			if label == "" {
				label = "-"
			}
			fmt.Printf("%-36s %-20s %-20s %4d  %.2f\n", p.ID, p.Role, label, p.AppearanceCount, p.IdentityConfidence)
		}
		return nil
	})
}

func runPersonShow(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		detail, err := a.engine.Registry.Person(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if mustGetBool(cmd, "json") {
			detail.Person.CanonicalEmbedding = nil
			for i := range detail.Observations {
				detail.Observations[i].Embedding = nil
			}
			return outputJSON(detail)
		}
		printPerson(detail.Person)
		fmt.Printf("\nObservations (%d):\n", len(detail.Observations))
		for _, o := range detail.Observations {
			fmt.Printf("  %s  %-24s %s\n", o.ID, o.Signature, o.Role)
		}
		return nil
	})
}

func runPersonMerge(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.engine.Feedback.Merge(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if mustGetBool(cmd, "json") {
			return outputJSON(res)
		}
		if res.Noop {
			fmt.Printf("%s is already merged into %s\n", res.Source.ID, res.Target.ID)
			return nil
		}
		fmt.Printf("Merged %s into %s (%d observations moved)\n", res.Source.ID, res.Target.ID, res.Reassigned)
		printPerson(res.Target)
		return nil
	})
}

func runPersonSeparate(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.engine.Feedback.Separate(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if mustGetBool(cmd, "json") {
			return outputJSON(res)
		}
		fmt.Printf("Observation %s moved to new person\n", res.Observation.ID)
		printPerson(res.Created)
		return nil
	})
}

func runPersonIncorrect(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.engine.Feedback.MarkIncorrect(ctx, args[0], args[1], mustGetString(cmd, "reason"))
		if err != nil {
			return err
		}
		if mustGetBool(cmd, "json") {
			return outputJSON(res)
		}
		fmt.Printf("Marked %s incorrect (%d observations stamped)\n", res.Person.ID, res.Observations)
		return nil
	})
}

func runPersonConfirm(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.engine.Feedback.Confirm(ctx, args[0], args[1], mustGetString(cmd, "label"))
		if err != nil {
			return err
		}
		if mustGetBool(cmd, "json") {
			return outputJSON(res)
		}
		printPerson(res.Person)
		for _, id := range res.Demoted {
			fmt.Printf("Demoted previous owner %s\n", id)
		}
		return nil
	})
}

func runPersonLinkOwner(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.engine.Feedback.LinkProfileOwner(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if mustGetBool(cmd, "json") {
			return outputJSON(res)
		}
		printPerson(res.Person)
		return nil
	})
}
