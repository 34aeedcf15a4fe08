package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trackd/internal/engine/catalog"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List the available detection engines",
	Run: func(cmd *cobra.Command, args []string) {
		reg := catalog.Registry()
		for _, id := range reg.IDs() {
			cfg, _ := catalog.DefaultConfig(id)
			kind := "cpu"
			if cfg.SupportsGPU {
				kind = "gpu"
			}
			extras := ""
			if cfg.SupportsLandmarks {
				extras += " landmarks"
			}
			if cfg.IsolateProcess {
				extras += " isolated"
			}
			if cfg.FallbackEngine != "" {
				extras += fmt.Sprintf(" fallback=%s", cfg.FallbackEngine)
			}
			fmt.Printf("%-12s %s%s\n", id, kind, extras)
		}
	},
}

func init() {
	rootCmd.AddCommand(enginesCmd)
}
