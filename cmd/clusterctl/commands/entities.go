package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/clusterscope/internal/worker"
)

// loadRecords reads entity records from a JSON or YAML file, chosen by extension.
// JSON may be a bare array or an object with an "entities" array.
func loadRecords(path string) ([]worker.EntityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entities: %w", err)
	}
	var records []worker.EntityRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		trimmed := strings.TrimSpace(string(data))
		if strings.HasPrefix(trimmed, "{") {
			var wrapped struct {
				Entities []worker.EntityRecord `json:"entities"`
			}
			if err := json.Unmarshal(data, &wrapped); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			records = wrapped.Entities
		} else if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return records, nil
}

func newEntitiesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "entities",
		Aliases: []string{"entity"},
		Short:   "Load and inspect clusterable entities",
	}
	cmd.AddCommand(newEntitiesImportCmd(opts), newEntitiesGetCmd(opts))
	return cmd
}

func newEntitiesImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert entities with their embeddings from a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := loadRecords(args[0])
			if err != nil {
				return err
			}
			entities, err := worker.ToEntities(records)
			if err != nil {
				return err
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.store.UpsertEntities(cmd.Context(), entities)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"upserted": n})
			}
			success(cmd.OutOrStdout(), "%d entities upserted", n)
			return nil
		},
	}
}

func newEntitiesGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity-id>",
		Short: "Show an entity with its production cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.store.GetEntity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), e)
			}
			w := cmd.OutOrStdout()
			cyan.Fprintf(w, "%s %s\n", e.Type, e.ID)
			fmt.Fprintf(w, "  Title:    %s\n", e.Title)
			if e.Industry != "" {
				fmt.Fprintf(w, "  Industry: %s\n", e.Industry)
			}
			if e.ClusterID == nil {
				fmt.Fprintln(w, "  Cluster:  not in production")
				return nil
			}
			label := ""
			if e.ClusterLabel != nil {
				label = *e.ClusterLabel
			}
			version := 0
			if e.ClusterVersion != nil {
				version = *e.ClusterVersion
			}
			fmt.Fprintf(w, "  Cluster:  %d %q at version %d", *e.ClusterID, label, version)
			if e.ClusterSimilarity != nil {
				fmt.Fprintf(w, " (similarity %.3f)", *e.ClusterSimilarity)
			}
			fmt.Fprintln(w)
			return nil
		},
	}
}
