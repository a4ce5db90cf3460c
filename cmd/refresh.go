package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [id...]",
	Short: "Run one refresh pass and print what it did",
	Long: `Run one refresh pass over the given identifiers, or over the configured
discovery source when none are given. With --force each identifier is
refreshed immediately as a manual update.`,
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().Bool("force", false, "refresh every identifier as a priority update")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if force {
		results := make(map[string]any, len(args))
		for _, id := range args {
			view, err := a.handler.PriorityUpdate(ctx, id)
			if err != nil {
				results[id] = map[string]string{"error": err.Error()}
				continue
			}
			results[id] = view
		}
		return enc.Encode(results)
	}

	var sum any
	if len(args) > 0 {
		sum, err = a.handler.Refresh(ctx, args)
	} else {
		sum, err = a.handler.RefreshPass(ctx)
	}
	if err != nil {
		return err
	}
	return enc.Encode(sum)
}
