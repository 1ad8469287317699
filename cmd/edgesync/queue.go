package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/ordermesh/edgesync"
	"github.com/ordermesh/edgesync/internal/config"
	"github.com/ordermesh/edgesync/pkg/offlinequeue"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate the local offline queue",
	}
	cmd.AddCommand(
		newQueueListCmd(),
		newQueueAbandonedCmd(),
		newQueueStatsCmd(),
		newQueueDrainCmd(),
		newQueuePurgeCacheCmd(),
	)
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List pending operations in delivery order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *offlinequeue.Queue) error {
				ops, err := q.Pending(ctx, module)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ops)
			})
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "Only list operations from this module")
	return cmd
}

func newQueueAbandonedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "abandoned",
		Short: "List operations that exhausted their retries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *offlinequeue.Queue) error {
				ops, err := q.Abandoned(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ops)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to print (0 for all)")
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pending and abandoned counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *offlinequeue.Queue) error {
				stats, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newQueueDrainCmd() *cobra.Command {
	var (
		batch  int
		delay  time.Duration
		module string
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay pending operations once against their recorded target URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch = config.PickInt(batch, fileCfg.Drain.BatchSize, config.Int(edgesync.EnvDrainBatch, 0))
			delay = pickDuration(delay, fileCfg.Drain.Delay.Duration(0), config.Duration(edgesync.EnvDrainDelay, 0))
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			q, err := offlinequeue.New(offlinequeue.Config{Store: store})
			if err != nil {
				return err
			}
			res, err := q.Drain(cmd.Context(), offlinequeue.DrainOptions{
				BatchSize:       batch,
				InterBatchDelay: delay,
				Module:          module,
			})
			if err != nil {
				return err
			}
			log.Info().
				Int("delivered", res.Delivered).
				Int("retried", res.Retried).
				Int("abandoned", res.Abandoned).
				Msg("drain finished")
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "Operations sent concurrently per batch (default 10)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Pause between batches")
	cmd.Flags().StringVar(&module, "module", "", "Only drain operations from this module")
	return cmd
}

func newQueuePurgeCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-cache",
		Short: "Delete expired read-cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *offlinequeue.Queue) error {
				n, err := q.SweepCache(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"purged": n})
			})
		},
	}
}

func withQueue(ctx context.Context, fn func(context.Context, *offlinequeue.Queue) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	q, err := offlinequeue.New(offlinequeue.Config{Store: store})
	if err != nil {
		return err
	}
	return fn(ctx, q)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

