package main

import (
	"github.com/spf13/cobra"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "ops",
	Short:   "Stress the queue against a simulated flaky backend",
	Long: `Enqueue writes from concurrent producers while drains run concurrently,
against an in-process backend that fails a share of calls. The run fails if
any stream is delivered out of order or a write is lost.

No network traffic is generated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loadtest.DefaultConfig()
		f := cmd.Flags()
		c.DBPath, _ = f.GetString("loadtest-db")
		c.Streams, _ = f.GetInt("streams")
		c.WritesPerStream, _ = f.GetInt("writes")
		c.Producers, _ = f.GetInt("producers")
		c.Drainers, _ = f.GetInt("drainers")
		c.FailureRate, _ = f.GetFloat64("failure-rate")
		c.MaxLatency, _ = f.GetDuration("max-latency")
		c.Seed, _ = f.GetInt64("seed")
		c.Timeout, _ = f.GetDuration("timeout")
		c.Logger = logger

		report, err := loadtest.Run(cmd.Context(), c)
		if report != nil {
			report.Print(cmd.OutOrStdout())
		}
		if err != nil {
			return err
		}
		return report.Err()
	},
}

func init() {
	d := loadtest.DefaultConfig()
	f := loadtestCmd.Flags()
	f.String("loadtest-db", "", "sqlite file for the run (default: in memory)")
	f.Int("streams", d.Streams, "number of streams")
	f.Int("writes", d.WritesPerStream, "writes per stream")
	f.Int("producers", d.Producers, "concurrent producers")
	f.Int("drainers", d.Drainers, "concurrent drain loops")
	f.Float64("failure-rate", d.FailureRate, "share of backend calls that fail (0-1)")
	f.Duration("max-latency", d.MaxLatency, "maximum simulated backend latency")
	f.Int64("seed", d.Seed, "random seed")
	f.Duration("timeout", d.Timeout, "give up after this long")
	rootCmd.AddCommand(loadtestCmd)
}
