package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/pkg/models"
)

func newScenarioCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scenario",
		Aliases: []string{"scenarios", "sc"},
		Short:   "Create, inspect, run and promote scenarios",
	}
	cmd.AddCommand(
		newScenarioCreateCmd(opts),
		newScenarioGetCmd(opts),
		newScenarioListCmd(opts),
		newScenarioDeleteCmd(opts),
		newScenarioPromoteCmd(opts),
		newScenarioRunCmd(opts),
		newScenarioLabelCmd(opts),
	)
	return cmd
}

func newScenarioCreateCmd(opts *options) *cobra.Command {
	var (
		req  clustering.CreateScenarioRequest
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a scenario with the given parameters",
		Long: `Queue a scenario with the given parameters.

Without --wait the scenario stays pending until a worker claims it. With --wait
it is clustered in this process and the result is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			sc, err := a.svc.CreateScenario(ctx, req)
			if err != nil {
				return err
			}
			if !wait {
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), sc)
				}
				success(cmd.OutOrStdout(), "Scenario %s queued (%s, k=%d, threshold=%.2f)",
					sc.ID, sc.EntityType, sc.KValue, sc.SimilarityThreshold)
				return nil
			}
			return runAndShow(ctx, cmd, opts, a, sc.ID)
		},
	}
	cmd.Flags().StringVarP(&req.EntityType, "type", "t", "", "entity type: problem or solution")
	cmd.Flags().IntVarP(&req.KValue, "k", "k", 0, "maximum number of clusters")
	cmd.Flags().Float64Var(&req.SimilarityThreshold, "threshold", 0, "minimum cosine similarity to join a cluster, in (0, 1]")
	cmd.Flags().StringVar(&req.RequestedBy, "requested-by", "", "operator recorded on the scenario")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "initial note")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "cluster in this process and print the result")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("k")
	_ = cmd.MarkFlagRequired("threshold")
	return cmd
}

// runAndShow clusters a pending scenario inline and prints it. A failed run is
// printed too and returned as the command error.
func runAndShow(ctx context.Context, cmd *cobra.Command, opts *options, a *app, id string) error {
	runErr := a.runner.Run(ctx, id)
	details, err := a.svc.GetScenario(context.WithoutCancel(ctx), id)
	if err != nil {
		if runErr != nil {
			return runErr
		}
		return err
	}
	if opts.jsonOut {
		if err := writeJSON(cmd.OutOrStdout(), details); err != nil {
			return err
		}
	} else {
		printScenarioDetails(cmd.OutOrStdout(), details)
	}
	if runErr != nil {
		return fmt.Errorf("scenario %s failed: %w", id, runErr)
	}
	switch details.Scenario.Status {
	case models.ScenarioProcessing:
		warning(cmd.ErrOrStderr(), "Scenario %s is being clustered by another worker", id)
	case models.ScenarioPending:
		warning(cmd.ErrOrStderr(), "Scenario %s was interrupted and is queued again", id)
	}
	return nil
}

func newScenarioGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <scenario-id>",
		Short: "Show a scenario with its clusters once completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			details, err := a.svc.GetScenario(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), details)
			}
			printScenarioDetails(cmd.OutOrStdout(), details)
			return nil
		},
	}
}

func newScenarioListCmd(opts *options) *cobra.Command {
	var (
		entityType string
		status     string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scenarios, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.ScenarioFilter{Limit: limit}
			if entityType != "" {
				t, err := models.ParseEntityType(entityType)
				if err != nil {
					return &clustering.ValidationError{Field: "type", Reason: err.Error()}
				}
				filter.EntityType = t
			}
			if status != "" {
				st := models.ScenarioStatus(strings.ToLower(status))
				if !st.Valid() {
					return &clustering.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
				}
				filter.Status = st
			}

			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			scenarios, err := a.svc.ListScenarios(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				if scenarios == nil {
					scenarios = []*models.Scenario{}
				}
				return writeJSON(cmd.OutOrStdout(), scenarios)
			}
			printScenarios(cmd.OutOrStdout(), scenarios)
			return nil
		},
	}
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "only this entity type")
	cmd.Flags().StringVarP(&status, "status", "s", "", "only this status (pending, processing, completed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum scenarios to show")
	return cmd
}

func newScenarioDeleteCmd(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <scenario-id>",
		Short: "Delete a scenario; deleting a pending one cancels it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.svc.DeleteScenario(cmd.Context(), args[0], force); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Scenario %s deleted", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete even if it backs the active version")
	return cmd
}

func newScenarioPromoteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <scenario-id>",
		Short: "Apply a completed scenario to production as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.svc.Promote(cmd.Context(), args[0])
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

func newScenarioRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario-id>",
		Short: "Cluster a pending scenario in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runAndShow(ctx, cmd, opts, a, args[0])
		},
	}
}

func newScenarioLabelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "label <scenario-id> <cluster-id> <label>",
		Short: "Store a label on a scenario cluster",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID, err := strconv.Atoi(args[1])
			if err != nil {
				return &clustering.ValidationError{Field: "cluster_id", Reason: fmt.Sprintf("not an integer: %q", args[1])}
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.svc.LabelScenarioCluster(cmd.Context(), args[0], clusterID, args[2]); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Cluster %d of scenario %s labelled %q", clusterID, args[0], strings.TrimSpace(args[2]))
			return nil
		},
	}
}
