package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCandidatesCmd(opts *options) *cobra.Command {
	var (
		limit int
		best  bool
	)
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Rank production solutions as downstream candidates",
		Long: `Rank production solutions by viability, LTV/CAC and the number of problems
that share their production cluster label. --best prints only the top solution
without an existing product.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()
			w := cmd.OutOrStdout()

			if best {
				c, err := a.ranker.Best(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(w, c)
				}
				if c == nil {
					warning(w, "Every solution already has a product")
					return nil
				}
				success(w, "Best candidate: %s %q (score %.3f)", c.EntityID, c.Title, c.Score)
				return nil
			}

			ranked, err := a.ranker.Rank(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && limit < len(ranked) {
				ranked = ranked[:limit]
			}
			if opts.jsonOut {
				return writeJSON(w, ranked)
			}
			if len(ranked) == 0 {
				fmt.Fprintln(w, "No solutions found.")
				return nil
			}
			tw := newTable(w, "RANK", "SOLUTION", "TITLE", "LABEL", "VIABILITY", "LTV/CAC", "PROBLEMS", "SCORE", "PRODUCT")
			for _, r := range ranked {
				product := ""
				if r.HasProduct {
					product = faint.Sprint("yes")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2f\t%.2f\t%d\t%.3f\t%s\n",
					r.Rank, r.EntityID, r.Title, r.ClusterLabel, r.Viability, r.LTVCACRatio(), r.ProblemCount, r.Score, product)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum candidates to show (0 for all)")
	cmd.Flags().BoolVar(&best, "best", false, "show only the best solution without a product")
	return cmd
}
