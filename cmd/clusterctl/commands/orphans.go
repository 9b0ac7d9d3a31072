package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/thebtf/clusterscope/internal/clustering"
)

func newOrphansCmd(opts *options) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Find entities whose production cluster has no centroid",
		Long: `Find entities whose production cluster has no centroid at their stamped
version. With --strict a non-empty report exits non-zero, for use in checks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.svc.FindOrphans(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOut {
				if err := writeJSON(w, report); err != nil {
					return err
				}
			} else if len(report.Orphans) == 0 {
				success(w, "No orphaned production clusters")
			} else {
				warning(w, "%d entities reference clusters with no centroid", len(report.Orphans))
				versions := make([]int, 0, len(report.ByVersion))
				for v := range report.ByVersion {
					versions = append(versions, v)
				}
				sort.Ints(versions)
				for _, v := range versions {
					fmt.Fprintf(w, "  version %d: %d\n", v, report.ByVersion[v])
				}
				fmt.Fprintln(w)
				tw := newTable(w, "ENTITY", "TYPE", "CLUSTER", "VERSION")
				for _, o := range report.Orphans {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", o.EntityID, o.EntityType, o.ClusterID, o.ClusterVersion)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if strict && len(report.Orphans) > 0 {
				return &clustering.OrphanedClusterInvariantViolation{Report: report}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when orphans exist")
	return cmd
}
