package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/birdayz/docflow"
	"github.com/birdayz/docflow/internal/config"
	"github.com/birdayz/docflow/internal/plandef"
	"github.com/birdayz/docflow/kstate"
	"github.com/birdayz/docflow/kstate/pebble"
	"github.com/birdayz/docflow/overflow/kafka"
	"github.com/birdayz/docflow/pkg/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the plan until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts.planPath)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, planPath string) error {
	logger := log.New(cfg.LogLevel)

	def, err := plandef.Load(planPath)
	if err != nil {
		return err
	}

	store, err := kstate.OpenWithRetry(ctx, logger, kstate.RetryConfig{
		Attempts: cfg.Store.Retries,
		Initial:  cfg.Store.Backoff,
	}, func(context.Context) (kstate.Store, error) {
		s, err := pebble.Open(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return err
	}
	gate := kstate.NewGate(store, logger.With("component", "store"))

	planOpts := []docflow.Option{
		docflow.WithLog(logger),
		docflow.WithStatusStore(gate),
		docflow.WithIDField(cfg.IDField),
		docflow.WithHelper(cfg.Kafka.Helper),
	}
	if cfg.Kafka.Enabled() {
		overflow, err := kafka.NewOverflow(cfg.Kafka.Brokers, cfg.Kafka.OverflowTopic, kafka.WithLog(logger))
		if err != nil {
			_ = gate.Close()
			return err
		}
		planOpts = append(planOpts, docflow.WithOverflow(overflow))
	} else if cfg.Kafka.Helper {
		_ = gate.Close()
		return errors.New("helper mode needs DOCFLOW_KAFKA_BROKERS and DOCFLOW_OVERFLOW_TOPIC")
	}

	b := docflow.NewPlanBuilder(planOpts...)
	if err := def.Apply(ctx, b, logger); err != nil {
		_ = gate.Close()
		return err
	}
	plan, err := b.Build()
	if err != nil {
		_ = gate.Close()
		return err
	}

	grp, ctx := errgroup.WithContext(ctx)
	if cfg.Kafka.Helper {
		helper, err := kafka.NewHelper(cfg.Kafka.Brokers, cfg.Kafka.OverflowTopic, cfg.Kafka.Group, plan, kafka.WithLog(logger))
		if err != nil {
			_ = plan.Close()
			return err
		}
		defer helper.Close()
		grp.Go(func() error { return helper.Run(ctx) })
	}

	plan.Activate()
	if err := gate.Boot(ctx); err != nil {
		logger.Error("Status store boot failed", "error", err)
		_ = plan.Close()
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	plan.Deactivate()
	return multierr.Combine(grp.Wait(), plan.Close())
}
