package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"memgrowth/internal/growth"
	"memgrowth/internal/logging"
	"memgrowth/internal/stats"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run process requests in-process and print the final snapshot",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().Int("requests", 100, "Number of process requests to run")
	simulateCmd.Flags().String("log-level", "warn", "Log level while simulating")
	simulateCmd.Flags().Bool("json", false, "Print the final snapshot as JSON")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	requests, _ := cmd.Flags().GetInt("requests")
	if requests < 0 {
		return fmt.Errorf("--requests cannot be negative")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")

	logger, err := initLogging(cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	ctrl, err := growth.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	start := time.Now()
	failures := 0
	for i := 0; i < requests; i++ {
		if _, err := ctrl.RunOnce(ctx); err != nil {
			if !errors.Is(err, growth.ErrAllocationFailure) {
				return err
			}
			failures++
		}
	}
	elapsed := time.Since(start)
	snap := ctrl.Snapshot(ctx)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	printSummary(cmd, cfg.Growth.Profile, snap, ctrl.AllocatedBytes(), failures, elapsed)
	return nil
}

func printSummary(cmd *cobra.Command, profile string, snap stats.Snapshot, allocated int64, failures int, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	c := snap.CacheStats
	fmt.Fprintf(out, "profile:          %s\n", profile)
	fmt.Fprintf(out, "requests:         %s (%s failed) in %s\n",
		humanize.Comma(int64(snap.AppStats.TotalRequests)), humanize.Comma(int64(failures)), elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "allocated:        %s\n", humanize.IBytes(uint64(allocated)))
	fmt.Fprintf(out, "byId:             %s\n", humanize.Comma(int64(c.PrimaryCacheSize)))
	fmt.Fprintf(out, "sequence:         %s\n", humanize.Comma(int64(c.RetentionListSize)))
	fmt.Fprintf(out, "arrivalQueue:     %s\n", humanize.Comma(int64(c.RetentionQueueSize)))
	fmt.Fprintf(out, "uniqueSet:        %s\n", humanize.Comma(int64(c.RetentionSetSize)))
	fmt.Fprintf(out, "timeBuckets:      %s keys, %s objects\n", humanize.Comma(int64(c.CategoryCacheSize)), humanize.Comma(int64(c.TotalCategoryObjects)))
	m := snap.MemoryStats
	fmt.Fprintf(out, "heap used/max:    %s / %s\n",
		humanize.IBytes(uint64(m.UsedMemoryMB)<<20), humanize.IBytes(uint64(m.MaxMemoryMB)<<20))
}
