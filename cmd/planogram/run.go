package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	planogram "github.com/vivaneiona/genkit-planogram"
	"github.com/vivaneiona/genkit-planogram/internal/config"
)

const defaultBackoff = 2 * time.Second

func newRunCmd(cfg *config.Config) *cobra.Command {
	var (
		configPath string
		images     []string
		out        string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one extraction over shelf images",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCfg, err := planogram.LoadRunConfig(configPath)
			if err != nil {
				return err
			}
			parts, err := planogram.LoadImages(images...)
			if err != nil {
				return err
			}
			o, err := newOrchestrator(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			res, runErr := o.Run(cmd.Context(), runCfg, parts)
			if err := writeResult(res, out); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run configuration (YAML or JSON)")
	cmd.Flags().StringSliceVarP(&images, "image", "i", nil, "shelf image, repeatable")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the result JSON here instead of stdout")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func writeResult(res *planogram.RunResult, out string) error {
	if out == "" {
		return printJSON(res)
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return os.WriteFile(out, b, 0o644)
}

func newExplainCmd(cfg *config.Config) *cobra.Command {
	var (
		configPath string
		format     string
		images     int
	)
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Estimate calls and cost of a run without calling any model",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCfg, err := planogram.LoadRunConfig(configPath)
			if err != nil {
				return err
			}
			templates, err := templateProvider(cfg)
			if err != nil {
				return err
			}
			pb := planogram.NewPlanBuilder().
				WithConfig(runCfg).
				WithTemplates(templates).
				WithImageCount(images)
			plan, err := pb.Explain()
			if err != nil {
				return err
			}
			text, err := pb.Format(plan, planogram.FormatType(format))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run configuration (YAML or JSON)")
	cmd.Flags().StringVarP(&format, "format", "f", string(planogram.FormatText), "text or json")
	cmd.Flags().IntVar(&images, "images", 1, "number of shelf images per call")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
