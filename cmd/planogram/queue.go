package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	planogram "github.com/vivaneiona/genkit-planogram"
	"github.com/vivaneiona/genkit-planogram/internal/config"
	"github.com/vivaneiona/genkit-planogram/internal/store"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(cfg.DBPath), err)
	}
	return store.Open(cfg.DBPath)
}

func newConfigCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stored run configurations",
	}

	var configPath string
	put := &cobra.Command{
		Use:   "put",
		Short: "Store a run configuration under its system name",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCfg, err := planogram.LoadRunConfig(configPath)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.SaveConfig(cmd.Context(), runCfg); err != nil {
				return err
			}
			return printJSON(map[string]any{"system": runCfg.System, "stages": runCfg.Stages.Names()})
		},
	}
	put.Flags().StringVarP(&configPath, "config", "c", "", "run configuration (YAML or JSON)")
	_ = put.MarkFlagRequired("config")

	var system string
	get := &cobra.Command{
		Use:   "get",
		Short: "Print a stored run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			runCfg, err := s.LoadConfig(cmd.Context(), system)
			if err != nil {
				return err
			}
			return printJSON(runCfg)
		},
	}
	get.Flags().StringVarP(&system, "system", "s", "", "system name")
	_ = get.MarkFlagRequired("system")

	cmd.AddCommand(put, get)
	return cmd
}

func newEnqueueCmd(cfg *config.Config) *cobra.Command {
	var (
		system string
		images []string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue shelf images for a stored system",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if _, err := s.LoadConfig(cmd.Context(), system); err != nil {
				return err
			}
			ids := make([]string, 0, len(images))
			for _, img := range images {
				id, err := s.Enqueue(cmd.Context(), system, img)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return printJSON(map[string]any{"system": system, "ids": ids})
		},
	}
	cmd.Flags().StringVarP(&system, "system", "s", "", "system name")
	cmd.Flags().StringSliceVarP(&images, "image", "i", nil, "shelf image, repeatable")
	_ = cmd.MarkFlagRequired("system")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newWorkerCmd(cfg *config.Config) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued images until the queue is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			o, err := newOrchestrator(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			processed, err := drain(cmd.Context(), s, o, concurrency)
			slog.Info("Worker finished", "processed", processed)
			return err
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 2, "runs in flight")
	return cmd
}

// drain leases up to concurrency items at a time and runs them as a batch.
func drain(ctx context.Context, s *store.Store, o *planogram.Orchestrator, concurrency int) (int, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	processed := 0
	for ctx.Err() == nil {
		var jobs []planogram.Job
		for len(jobs) < concurrency {
			item, err := s.Lease(ctx)
			if errors.Is(err, store.ErrNoWork) {
				break
			}
			if err != nil {
				return processed, err
			}
			job, err := prepareJob(ctx, s, item)
			if err != nil {
				slog.Warn("Queue item rejected", "item", item.ID, "error", err)
				if err := s.SaveResult(ctx, item.ID, rejected(item, err)); err != nil {
					return processed, err
				}
				processed++
				continue
			}
			jobs = append(jobs, job)
		}
		if len(jobs) == 0 {
			return processed, nil
		}

		for _, jr := range o.RunBatch(ctx, jobs, concurrency) {
			if err := s.SaveResult(context.WithoutCancel(ctx), jr.Job.Key, jr.Result); err != nil {
				return processed, err
			}
			processed++
			slog.Info("Item processed",
				"item", jr.Job.Key,
				"status", jr.Result.Status,
				"accuracy", jr.Result.FinalAccuracy,
				"cost", jr.Result.TotalCost)
		}
	}
	return processed, ctx.Err()
}

func prepareJob(ctx context.Context, s *store.Store, item *store.QueueItem) (planogram.Job, error) {
	runCfg, err := s.LoadConfig(ctx, item.System)
	if err != nil {
		return planogram.Job{}, err
	}
	img, err := planogram.LoadImage(item.ImagePath)
	if err != nil {
		return planogram.Job{}, err
	}
	return planogram.Job{Key: item.ID, Config: runCfg, Images: []*planogram.Part{img}}, nil
}

func rejected(item *store.QueueItem, err error) *planogram.RunResult {
	return &planogram.RunResult{
		ID:     item.ID,
		System: item.System,
		Status: planogram.StatusFailed,
		Reason: err.Error(),
		Stages: map[string]map[string]any{},
	}
}

func newStatsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queue items per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}
