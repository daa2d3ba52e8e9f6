package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/store"
)

var pumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "Evaluate every pending session once",
	Args:  cobra.NoArgs,
	RunE:  runPump,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Pump on an interval until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var (
	schedSession   int64
	schedLabels    []string
	schedNotLabels []string
	schedWorkers   int
	watchInterval  time.Duration
	watchCron      string
	watchWake      bool
)

func init() {
	for _, cmd := range []*cobra.Command{pumpCmd, watchCmd} {
		cmd.Flags().Int64Var(&schedSession, "session", 0, "narrow to a single session id")
		cmd.Flags().StringSliceVar(&schedLabels, "labels", nil, "only sessions carrying these labels (comma-separated)")
		cmd.Flags().StringSliceVar(&schedNotLabels, "not-labels", nil, "exclude sessions carrying these labels (comma-separated)")
		cmd.Flags().IntVar(&schedWorkers, "workers", 4, "max concurrent evaluations")
	}
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "c", 10*time.Second, "target cadence between iteration starts")
	watchCmd.Flags().StringVar(&watchCron, "cron", "", "cron schedule overriding --interval")
	watchCmd.Flags().BoolVar(&watchWake, "wake", false, "pump immediately when a session turns pending between ticks")

	rootCmd.AddCommand(pumpCmd, watchCmd)
}

func buildScheduler(cmd *cobra.Command) (*scheduler.Scheduler, func(), error) {
	rt, lg, err := bootstrap()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		rt.Close()
		lg.Close()
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:   rt.Store,
		Engine:  rt.Engine,
		Logger:  rt.Logger,
		Workers: schedWorkers,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return sched, cleanup, nil
}

func schedFilter(cmd *cobra.Command) store.Filter {
	filter := store.Filter{Labels: schedLabels, NotLabels: schedNotLabels}
	if cmd.Flags().Changed("session") {
		id := schedSession
		filter.ID = &id
	}
	return filter
}

func runPump(cmd *cobra.Command, args []string) error {
	sched, cleanup, err := buildScheduler(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := sched.Pump(cmd.Context(), schedFilter(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "processed %d/%d\n", result.Processed, result.Total)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	sched, cleanup, err := buildScheduler(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sched.Watch(ctx, scheduler.WatchOptions{
		Filter:   schedFilter(cmd),
		Interval: watchInterval,
		Cron:     watchCron,
		Wake:     watchWake,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
