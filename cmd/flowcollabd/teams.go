package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/workflow-collab/config"
	"github.com/songzhibin97/workflow-collab/registry"
	"github.com/songzhibin97/workflow-collab/types"
)

func newTeamsCmd() *cobra.Command {
	var (
		catalog string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "teams",
		Short: "Print the worker team catalog the server would load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			teams, err := loadTeams(catalog)
			if err != nil {
				return err
			}
			return printTeams(cmd.OutOrStdout(), teams, output)
		},
	}
	cmd.Flags().StringVar(&catalog, "catalog", config.Load().CatalogPath, "YAML team catalog, built-in when empty (TEAM_CATALOG)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table|yaml|json")
	return cmd
}

func loadTeams(path string) ([]types.WorkerTeam, error) {
	if path == "" {
		return registry.DefaultCatalog(), nil
	}
	return registry.LoadCatalog(path)
}

func printTeams(w io.Writer, teams []types.WorkerTeam, output string) error {
	switch output {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(registry.Catalog{Teams: teams}); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(teams)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tTIER\tMAX\tCAPABILITIES")
		for _, t := range teams {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.Key, t.PriorityTier, t.MaxConcurrentTasks, strings.Join(t.Capabilities, ","))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output %q", output)
	}
}
