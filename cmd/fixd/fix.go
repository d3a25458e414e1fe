package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
	"github.com/fyrsmithlabs/fixd/internal/novelty"
)

var (
	// search command flags
	searchType  string
	searchLimit int
	searchJSON  bool

	// add command flags
	addType     string
	addSolution string
	addScript   string

	// use command flags
	useOK     bool
	useFailed bool

	// branch command flags
	branchRel string
)

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(useCmd)
	rootCmd.AddCommand(branchCmd)

	searchCmd.Flags().StringVar(&searchType, "type", "", "Restrict matches to this error type")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "Maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output results as JSON")

	addCmd.Flags().StringVar(&addType, "type", "", "Error type label (required)")
	addCmd.Flags().StringVar(&addSolution, "solution", "", "Solution text (required)")
	addCmd.Flags().StringVar(&addScript, "script", "", "Script the error came from")
	_ = addCmd.MarkFlagRequired("type")
	_ = addCmd.MarkFlagRequired("solution")

	useCmd.Flags().BoolVar(&useOK, "ok", false, "The fix resolved the error")
	useCmd.Flags().BoolVar(&useFailed, "failed", false, "The fix did not resolve the error")

	branchCmd.Flags().StringVar(&branchRel, "rel", string(fixstore.RelSolvedSimilar),
		"Relationship: solved_similar, alternative_approach, improved_version or prerequisite")
}

var searchCmd = &cobra.Command{
	Use:   "search <error-text>",
	Short: "Find stored fixes for an error",
	Long: `Search stored fixes for an error, ranked by relevance.

Examples:
  # Search everything
  fixd search "name 'x' is not defined"

  # Restrict to one error type
  fixd search --type NameError "name 'x' is not defined"`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var addCmd = &cobra.Command{
	Use:   "add <error-text>",
	Short: "Capture a fix for an error",
	Long: `Capture a fix. The error text is normalized into a search signature,
the fix is checked for novelty against existing fixes of the same type,
and novel fixes are queued for encrypted publication.

Examples:
  fixd add --type NameError --solution "define x before use" "name 'x' is not defined"`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

var useCmd = &cobra.Command{
	Use:   "use <fix-hash>",
	Short: "Record that a fix was applied",
	Long: `Record an application of a fix and whether it worked. Usage history
feeds the relevance ranking.

Examples:
  fixd use --ok 3f8a9c21d4e6
  fixd use --failed 3f8a9c21d4e6`,
	Args: cobra.ExactArgs(1),
	RunE: runUse,
}

var branchCmd = &cobra.Command{
	Use:   "branch <from-hash> <to-hash>",
	Short: "Link two fixes with a derivation edge",
	Long: `Create an explicit derivation edge between two fixes.

Examples:
  fixd branch --rel improved_version 3f8a9c21 77bd0e55`,
	Args: cobra.ExactArgs(2),
	RunE: runBranch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.svc.Resolve(context.Background(), args[0], searchType, searchLimit)
	if err != nil {
		return err
	}

	if searchJSON {
		return json.NewEncoder(os.Stdout).Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("no matching fixes")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tTYPE\tSCORE\tUSED\tOK\tSOLUTION")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%d\t%d\t%s\n",
			shortID(r.Record.FixHash), r.Record.ErrorType, r.Score,
			r.Record.UsageCount, r.Record.SuccessCount, solutionSummary(r.Record))
	}
	return w.Flush()
}

func runAdd(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	var meta map[string]any
	if addScript != "" {
		meta = map[string]any{"script": addScript}
	}

	res, err := a.svc.Capture(context.Background(), addType, args[0], addSolution, meta)
	if err != nil {
		return err
	}

	fmt.Printf("stored %s\n", shortID(res.FixHash))
	switch res.Decision.Verdict {
	case novelty.VerdictSuppress:
		fmt.Printf("kept local: %s of %s (similarity %.2f)\n",
			res.Decision.Reason, shortID(res.Decision.TargetHash), res.Decision.BestSimilarity)
	case novelty.VerdictBranch:
		fmt.Printf("branched from %s (%s)\n",
			shortID(res.Decision.TargetHash), res.Decision.Relationship)
	}
	if res.Queued {
		fmt.Println("queued for publication")
	}
	return nil
}

func runUse(cmd *cobra.Command, args []string) error {
	if useOK == useFailed {
		return fmt.Errorf("exactly one of --ok or --failed is required")
	}

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	usage, success, err := a.svc.RecordUsage(context.Background(), args[0], useOK)
	if err != nil {
		return err
	}

	fmt.Printf("recorded: used %d times, %d successes\n", usage, success)
	return nil
}

func runBranch(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	edge, err := a.svc.Branch(context.Background(), args[0], args[1], fixstore.Relationship(branchRel))
	if err != nil {
		return err
	}

	fmt.Printf("linked %s -> %s (%s)\n",
		shortID(edge.FromHash), shortID(edge.ToHash), edge.Relationship)
	return nil
}

func shortID(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// solutionSummary renders one line of solution text; shadow records carry
// only the sealed payload.
func solutionSummary(rec *fixstore.FixRecord) string {
	if rec.Origin == fixstore.OriginShadow {
		return "(encrypted remote fix)"
	}
	s := strings.ReplaceAll(rec.Solution, "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
