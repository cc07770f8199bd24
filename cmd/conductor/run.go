package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/evalgo/conductor/internal/activity"
	"github.com/evalgo/conductor/internal/amqpclient"
	"github.com/evalgo/conductor/internal/config"
	"github.com/evalgo/conductor/internal/consumer"
	"github.com/evalgo/conductor/internal/dispatcher"
	"github.com/evalgo/conductor/internal/logging"
	"github.com/evalgo/conductor/internal/manager"
	"github.com/evalgo/conductor/internal/model"
	"github.com/evalgo/conductor/internal/resource"
	"github.com/evalgo/conductor/internal/router"
	"github.com/evalgo/conductor/internal/singleton"
	"github.com/evalgo/conductor/internal/store"
	"github.com/evalgo/conductor/internal/workflow"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the event loop: consume inbox events, drive cases to completion",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat == "json")
	log := logging.Component(logger, "conductor")

	wf, err := workflow.Load(cfg.WorkflowFile)
	if err != nil {
		return fmt.Errorf("load workflow definition: %w", err)
	}
	if wf.Empty() {
		return fmt.Errorf("workflow %q has no steps", cfg.WorkflowFile)
	}

	var lease *singleton.Lease
	if cfg.LeaderLockURL != "" {
		lease, err = singleton.Acquire(context.Background(), cfg.LeaderLockURL, cfg.LeaderLockLease)
		if err != nil {
			return fmt.Errorf("acquire leader lock: %w", err)
		}
		log.Info("leader lease acquired")
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		if lease != nil {
			lease.Release(context.Background())
		}
		return fmt.Errorf("open state store: %w", err)
	}

	pool := make([]model.GPUResource, cfg.GPUCount)
	for i := range pool {
		pool[i] = model.GPUResource{Index: i, GPUID: fmt.Sprintf("gpu-%d", i), State: model.GPUFree}
	}
	if err := st.SeedGPUPool(context.Background(), pool); err != nil {
		st.Close()
		return fmt.Errorf("seed gpu pool: %w", err)
	}

	dialer := amqpclient.RealDialer{}

	disp, err := dispatcher.New(dialer, cfg.BrokerURL, dispatcher.Config{
		FileTransferQueue:   cfg.FileTransferQueue,
		RemoteExecutorQueue: cfg.RemoteExecutorQueue,
		RemoteUploadRoot:    cfg.RemoteUploadRoot,
		RemoteDownloadRoot:  cfg.RemoteDownloadRoot,
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("start dispatcher: %w", err)
	}

	ring := activity.NewRing(256)
	allocator := resource.New(st, logging.Component(logger, "resource"))
	mgr := manager.New(st, allocator, wf, disp, ring, logging.Component(logger, "manager"))
	rtr := router.New(mgr, logging.Component(logger, "router"))

	cons, err := consumer.New(dialer, cfg.BrokerURL, consumer.Config{
		InboxQueue:      cfg.InboxQueue,
		DeadLetterQueue: cfg.DeadLetterQueue,
		PrefetchCount:   cfg.PrefetchCount,
		MaxRetryCount:   cfg.MaxRetryCount,
	}, rtr, logging.Component(logger, "consumer"))
	if err != nil {
		disp.Close()
		st.Close()
		return fmt.Errorf("start consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown signal received")
		cancel()
	}()

	runErr := cons.Run(ctx)

	cons.Close()
	disp.Close()
	st.Close()
	if lease != nil {
		lease.Release(context.Background())
	}

	return runErr
}
