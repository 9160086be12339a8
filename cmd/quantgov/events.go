package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/queue/streams"
	"github.com/mohammad-safakhou/quantgov/internal/runtime"
	"github.com/spf13/cobra"
)

func eventsCMD(opts *options) *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Read the audit and sweep streams",
	}
	var (
		stream   string
		from     string
		follow   bool
		group    string
		consumer string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print stream envelopes as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			rdb, err := runtime.ConnectRedis(cmd.Context(), cfg.Storage.Redis)
			if err != nil {
				return err
			}
			if rdb == nil {
				return errors.New("events tail needs storage.redis")
			}
			defer rdb.Close()
			registry, err := runtime.InitSchemaRegistry()
			if err != nil {
				return err
			}
			if stream == "" {
				stream = cfg.Server.AuditStream
			}

			ctx, cancel := runtime.SignalContext(cmd.Context(), logger, "events-tail")
			defer cancel()
			enc := json.NewEncoder(os.Stdout)
			block := time.Duration(-1)
			if follow {
				block = 5 * time.Second
			}
			if group != "" {
				if consumer == "" {
					consumer, _ = os.Hostname()
				}
				if err := streams.EnsureGroup(ctx, rdb, stream, group, from); err != nil {
					return err
				}
				return readGroup(ctx, streams.NewConsumer(rdb, registry, group, consumer), enc, stream, block, follow)
			}

			c := streams.NewConsumer(rdb, registry, "", "")
			cursor := from
			for {
				msgs, next, err := c.Tail(ctx, stream, cursor, 100, block)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				cursor = next
				for _, m := range msgs {
					if err := enc.Encode(m.Envelope); err != nil {
						return err
					}
				}
				if !follow && len(msgs) == 0 {
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	tail.Flags().StringVar(&stream, "stream", "", "stream name (default server.audit_stream)")
	tail.Flags().StringVar(&from, "from", "0", "start id; 0 for the beginning, $ for new entries only")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep waiting for new entries")
	tail.Flags().StringVar(&group, "group", "", "read as a consumer group member and ack printed entries")
	tail.Flags().StringVar(&consumer, "consumer", "", "consumer name within --group (default hostname)")
	events.AddCommand(tail)
	return events
}

// readGroup prints group deliveries and acks each batch once written.
func readGroup(ctx context.Context, c *streams.Consumer, enc *json.Encoder, stream string, block time.Duration, follow bool) error {
	for {
		msgs, err := c.Read(ctx, stream, 100, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			if err := enc.Encode(m.Envelope); err != nil {
				return err
			}
			ids = append(ids, m.ID)
		}
		if err := c.Ack(ctx, stream, ids...); err != nil {
			return err
		}
		if !follow && len(msgs) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
