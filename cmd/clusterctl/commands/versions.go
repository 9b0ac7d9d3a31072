package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/pkg/models"
)

func parseVersion(arg string) (int, error) {
	v, err := strconv.Atoi(strings.TrimPrefix(arg, "v"))
	if err != nil || v < 1 {
		return 0, &clustering.ValidationError{Field: "version", Reason: fmt.Sprintf("not a version number: %q", arg)}
	}
	return v, nil
}

func newVersionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "versions",
		Aliases: []string{"version", "v"},
		Short:   "Inspect production versions and roll back",
	}
	cmd.AddCommand(
		newVersionsListCmd(opts),
		newVersionsCentroidsCmd(opts),
		newVersionsRollbackCmd(opts),
		newVersionsLabelCmd(opts),
	)
	return cmd
}

func newVersionsListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List production versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			versions, err := a.svc.ListVersions(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				if versions == nil {
					versions = []*models.ClusterVersion{}
				}
				return writeJSON(cmd.OutOrStdout(), versions)
			}
			w := cmd.OutOrStdout()
			if len(versions) == 0 {
				fmt.Fprintln(w, "No production versions yet. Promote a completed scenario first.")
				return nil
			}
			tw := newTable(w, "VERSION", "ACTIVE", "TYPE", "SOURCE SCENARIO", "CREATED")
			for _, v := range versions {
				active := ""
				if v.IsActive {
					active = green.Sprint("*")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					v.Version, active, v.EntityType, v.SourceScenarioID, v.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func newVersionsCentroidsCmd(opts *options) *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "centroids <version>",
		Short: "Show the production clusters of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			centroids, err := a.svc.GetCentroids(cmd.Context(), version, models.EntityType(strings.ToLower(entityType)))
			if err != nil {
				return err
			}
			if opts.jsonOut {
				if centroids == nil {
					centroids = []*models.ClusterCentroid{}
				}
				return writeJSON(cmd.OutOrStdout(), centroids)
			}
			tw := newTable(cmd.OutOrStdout(), "TYPE", "CLUSTER", "LABEL", "ITEMS", "AVG SIM", "INDUSTRY")
			for _, c := range centroids {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%.3f\t%s\n",
					c.EntityType, c.ClusterID, c.Label, c.ItemCount, c.AvgSimilarity, c.PrimaryIndustry)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "only this entity type")
	return cmd
}

func newVersionsRollbackCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <version>",
		Short: "Re-promote the scenario behind an older version as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.svc.Rollback(cmd.Context(), version)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printPromotion(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newVersionsLabelCmd(opts *options) *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "label <version> <cluster-id> <label>",
		Short: "Store a label on a production cluster and its entities",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			clusterID, err := strconv.Atoi(args[1])
			if err != nil {
				return &clustering.ValidationError{Field: "cluster_id", Reason: fmt.Sprintf("not an integer: %q", args[1])}
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			t := models.EntityType(strings.ToLower(entityType))
			if err := a.svc.LabelProductionCluster(cmd.Context(), version, t, clusterID, args[2]); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Cluster %d of %s at version %d labelled %q", clusterID, t, version, strings.TrimSpace(args[2]))
			return nil
		},
	}
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "entity type of the cluster")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
