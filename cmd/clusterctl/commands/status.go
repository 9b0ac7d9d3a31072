package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/thebtf/clusterscope/pkg/client"
)

func newStatusCmd(opts *options) *cobra.Command {
	var (
		workerURL   string
		maintenance bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running worker",
		Long: `Query a running worker over HTTP. The worker address defaults to the
configured worker port on 127.0.0.1. --maintenance runs the maintenance tasks
(stuck scenario recovery, workspace purge, orphan check) before reporting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()

			c := client.New(workerURL)
			if workerURL == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				c = client.ForPort(cfg.WorkerPort)
			}

			health, err := c.Health(ctx)
			if err != nil {
				return fmt.Errorf("worker at %s not reachable: %w", c.BaseURL(), err)
			}
			if maintenance {
				if _, err := c.RunMaintenance(ctx); err != nil {
					return err
				}
			}
			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}

			if opts.jsonOut {
				return writeJSON(w, map[string]interface{}{"health": health, "stats": stats})
			}

			if health.Status == "ready" {
				success(w, "Worker %s is %s (version %s)", c.BaseURL(), health.Status, health.Version)
			} else {
				warning(w, "Worker %s is %s (version %s)", c.BaseURL(), health.Status, health.Version)
			}
			if v := cmd.Root().Version; !client.VersionsCompatible(v, health.Version) {
				warning(w, "clusterctl %s does not match worker %s", v, health.Version)
			}
			printStats(w, stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&workerURL, "worker", "", "worker base URL (default http://127.0.0.1:<worker_port>)")
	cmd.Flags().BoolVar(&maintenance, "maintenance", false, "run maintenance before reporting")
	return cmd
}

// printStats prints flat stats as a key/value table, one nested map per section.
func printStats(w io.Writer, stats map[string]interface{}) {
	tw := newTable(w, "KEY", "VALUE")
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		nested, ok := stats[k].(map[string]interface{})
		if !ok {
			fmt.Fprintf(tw, "%s\t%v\n", k, stats[k])
			continue
		}
		sub := make([]string, 0, len(nested))
		for nk := range nested {
			sub = append(sub, nk)
		}
		sort.Strings(sub)
		for _, nk := range sub {
			fmt.Fprintf(tw, "%s.%s\t%v\n", k, nk, nested[nk])
		}
	}
	_ = tw.Flush()
}
