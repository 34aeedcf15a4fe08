package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trackd/internal/track"
	"trackd/internal/video"
)

var probeCmd = &cobra.Command{
	Use:   "probe <video>",
	Short: "Print the metadata a tracking job would see for a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		meta, err := video.Probe(path)
		if err != nil {
			return err
		}
		videoID, err := track.VideoID(path)
		if err != nil {
			return err
		}

		fmt.Printf("video_id:     %s\n", videoID)
		fmt.Printf("total_frames: %d\n", meta.TotalFrames)
		fmt.Printf("fps:          %.3f\n", meta.FPS)
		fmt.Printf("resolution:   %dx%d\n", meta.Width, meta.Height)
		fmt.Printf("duration:     %.2fs\n", float64(meta.TotalFrames)/meta.FPS)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
