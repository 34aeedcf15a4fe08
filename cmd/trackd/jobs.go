package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trackd/internal/journal"
)

var jobsOpts struct {
	JournalPath string
	Limit       int
	Failures    string
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show recent jobs recorded in the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		jnl, err := journal.Open(jobsOpts.JournalPath)
		if err != nil {
			return err
		}
		defer jnl.Close()

		if jobsOpts.Failures != "" {
			return printFailures(jnl, jobsOpts.Failures)
		}

		jobs, err := jnl.ListJobs(jobsOpts.Limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no jobs recorded")
			return nil
		}
		for _, j := range jobs {
			finished := "running"
			if j.FinishedAt != nil {
				finished = j.FinishedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  %-20s engine=%-10s mode=%-13s frames=%-7d placeholders=%-5d %s  %s\n",
				j.ID[:8], j.Status, j.EngineID, j.Mode, j.TotalFrames, j.Placeholders, finished, j.VideoPath)
		}
		return nil
	},
}

func printFailures(jnl *journal.Journal, jobID string) error {
	failures, err := jnl.ListChunkFailures(jobID)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		fmt.Println("no chunk failures recorded")
		return nil
	}
	for _, f := range failures {
		fmt.Printf("chunk %d [%d..%d] attempts=%d: %s\n",
			f.ChunkIndex, f.StartFrame, f.EndFrame, f.Attempts, f.Detail)
	}
	return nil
}

func init() {
	jobsCmd.Flags().StringVar(&jobsOpts.JournalPath, "journal", "trackd.db", "SQLite journal path")
	jobsCmd.Flags().IntVar(&jobsOpts.Limit, "limit", 20, "Maximum jobs to list")
	jobsCmd.Flags().StringVar(&jobsOpts.Failures, "failures", "", "Show chunk failures for a job id instead")
	rootCmd.AddCommand(jobsCmd)
}
