package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "trackd",
	Short: "Batch video tracking orchestration engine",
	Long: `trackd runs pluggable detection engines over video files in batch,
splitting work across CPU workers or serializing it behind the GPU,
and exports one dense tracking document per video.`,
	Version: Version, // enables the --version flag
}

func Execute() {
	// Cancel the whole run on Ctrl+C (SIGINT) or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
