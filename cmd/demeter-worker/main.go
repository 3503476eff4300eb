// demeter-worker is the photo-processing worker CLI. It drives one
// session through the counting pipeline: segmentation, per-segment
// detection and estimation, and aggregation into a stock result.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/FourTwoN/demeter-vision/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "demeter-worker",
	Short: "Greenhouse photo counting worker",
	Long: `demeter-worker processes accepted greenhouse photos into plant
stock counts. A session is fetched from the photo bucket, segmented
into growing areas, each segment is counted by the detection model,
dense beds get a statistical quantity estimate, and the per-segment
outcomes are aggregated into one session result.`,
	SilenceUsage: true,
}

func main() {
	logging.Init()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
