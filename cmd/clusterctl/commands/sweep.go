package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/pkg/models"
)

// loadSweep reads a parameter grid from a YAML (or JSON) file.
func loadSweep(path string) (clustering.SweepRequest, error) {
	var req clustering.SweepRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read grid: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse grid %s: %w", path, err)
	}
	return req, nil
}

func newSweepCmd(opts *options) *cobra.Command {
	var (
		file        string
		entityType  string
		requestedBy string
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "sweep -f grid.yaml",
		Short: "Queue one scenario per (k, threshold) pair of a grid",
		Long: `Queue one scenario per (k, threshold) pair of a grid file:

  entity_type: problem
  k_values: [5, 10, 20]
  thresholds: [0.7, 0.8]

The whole grid is validated before anything is stored. --type and
--requested-by override the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadSweep(file)
			if err != nil {
				return err
			}
			if entityType != "" {
				req.EntityType = entityType
			}
			if requestedBy != "" {
				req.RequestedBy = requestedBy
			}

			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			scenarios, err := a.svc.Sweep(ctx, req)
			if err != nil {
				return err
			}
			if wait {
				for _, sc := range scenarios {
					if err := a.runner.Run(ctx, sc.ID); err != nil {
						warning(cmd.ErrOrStderr(), "Scenario %s failed: %v", sc.ID, err)
					}
				}
				refreshed := make([]*models.Scenario, 0, len(scenarios))
				for _, sc := range scenarios {
					d, err := a.svc.GetScenario(ctx, sc.ID)
					if err != nil {
						return err
					}
					refreshed = append(refreshed, d.Scenario)
				}
				scenarios = refreshed
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), scenarios)
			}
			success(cmd.OutOrStdout(), "%d scenarios queued", len(scenarios))
			printScenarios(cmd.OutOrStdout(), scenarios)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "grid file (YAML or JSON)")
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "entity type, overrides the file")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "operator recorded on every scenario")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "cluster every scenario in this process")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
