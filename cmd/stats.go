package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/krisalay/cardstats/control"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		resp := a.handler.Handle(cmd.Context(), control.Request{Action: control.GetStats})
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Stats)
	},
}
