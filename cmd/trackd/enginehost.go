package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"trackd/internal/engine/catalog"
	"trackd/internal/engine/sidecar"
)

// engineHostCmd is the entry point of the isolated engine child process.
// The parent re-executes its own binary with this argument; requests arrive
// on stdin and responses leave on the inherited fd 3 pipe.
var engineHostCmd = &cobra.Command{
	Use:    sidecar.HostArg,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := os.NewFile(3, "response-pipe")
		if out == nil {
			return fmt.Errorf("response pipe (fd 3) not inherited")
		}
		defer out.Close()

		// Everything written to stdout would corrupt the protocol stream,
		// so logs go to stderr where the parent captures them.
		log.SetOutput(os.Stderr)

		return sidecar.Serve(catalog.Registry(), os.Stdin, out)
	},
}

func init() {
	rootCmd.AddCommand(engineHostCmd)
}
