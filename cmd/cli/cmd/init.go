package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelbench/hpsearch/internal/manifest"
)

var initCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Write a starter search file",
	Long: `Render a search file from a preset: baseline (ASHA over lr, momentum,
weight decay and optimizer), prune (baseline plus magnitude pruning) or
transfer (baseline resumed from a checkpoint).

Examples:
  hpsearch init cifar-lr > search.yaml
  hpsearch init dropback --preset prune --file search.yaml
  hpsearch init finetune --preset transfer --checkpoint s3://ckpts/base/best.json --gpu-per-trial 0.5 --budget-gpu 4`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

var (
	initPreset      string
	initFile        string
	initSamples     int
	initMaxUnits    int
	initSeed        int64
	initCPU         float64
	initGPU         float64
	initBudgetCPU   float64
	initBudgetGPU   float64
	initCheckpoint  string
	initResetMoment bool
)

func init() {
	defaults := manifest.DefaultParams("")
	initCmd.Flags().StringVar(&initPreset, "preset", "baseline", "Preset: "+strings.Join(manifest.PresetNames(), ", "))
	initCmd.Flags().StringVar(&initFile, "file", "", "Output file path (default: stdout)")
	initCmd.Flags().IntVar(&initSamples, "samples", defaults.NumSamples, "Number of trials")
	initCmd.Flags().IntVar(&initMaxUnits, "max-units", defaults.MaxUnits, "Training units per trial")
	initCmd.Flags().Int64Var(&initSeed, "seed", 0, "Sampler seed (0 = unseeded)")
	initCmd.Flags().Float64Var(&initCPU, "cpu-per-trial", defaults.CPUPerTrial, "CPUs per trial")
	initCmd.Flags().Float64Var(&initGPU, "gpu-per-trial", defaults.GPUPerTrial, "GPUs per trial")
	initCmd.Flags().Float64Var(&initBudgetCPU, "budget-cpu", defaults.BudgetCPU, "Total CPUs")
	initCmd.Flags().Float64Var(&initBudgetGPU, "budget-gpu", defaults.BudgetGPU, "Total GPUs")
	initCmd.Flags().StringVar(&initCheckpoint, "checkpoint", "", "Checkpoint URI for the transfer preset")
	initCmd.Flags().BoolVar(&initResetMoment, "reset-momentum", false, "Drop optimizer momentum when resuming")
	RootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	p := manifest.DefaultParams(args[0])
	p.NumSamples = initSamples
	p.MaxUnits = initMaxUnits
	p.Seed = initSeed
	p.CPUPerTrial = initCPU
	p.GPUPerTrial = initGPU
	p.BudgetCPU = initBudgetCPU
	p.BudgetGPU = initBudgetGPU
	p.Checkpoint = initCheckpoint
	p.ResetMomentum = initResetMoment

	out, err := manifest.RenderSearch(initPreset, p)
	if err != nil {
		return err
	}
	if initFile == "" {
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	}
	if err := os.WriteFile(initFile, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write search file: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s search to %s\n", initPreset, initFile)
	return nil
}
