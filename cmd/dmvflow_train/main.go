// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// dmvflow_train trains a DMV dependency grammar over word embeddings projected by a
// normalizing flow, for one of the configured languages.
//
// Example:
//
//	dmvflow_train --lang=da --model=nice --mode=supervised_wopos --data_root=~/data --progress
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmvflow/dmvflow/pkg/config"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagLang     = flag.String("lang", "", "Language to train, one of the configured languages (required).")
	flagModel    = flag.String("model", string(config.DefaultModel), "Projection model: gaussian, nice or lstmnice.")
	flagMode     = flag.String("mode", string(config.DefaultMode), "Training mode: supervised_wpos, supervised_wopos, unsupervised, both or eval.")
	flagOpt      = flag.String("opt", config.DefaultOptimizer, "Optimizer: adam or sgd.")
	flagPriorLR  = flag.Float64("prior_lr", config.DefaultLR, "Learning rate of the grammar parameters.")
	flagProjLR   = flag.Float64("proj_lr", config.DefaultLR, "Learning rate of the emission and projection parameters.")
	flagLoadNICE = flag.String("load_nice", "", "Checkpoint with a pretrained projection network, ignored if empty.")
	flagLoadGaus = flag.String("load_gaussian", "", "Checkpoint with pretrained Gaussian emissions, ignored if empty.")
	flagSeed     = flag.Int64("seed", config.DefaultSeed, "Random seed, used if --set_seed.")
	flagSetSeed  = flag.Bool("set_seed", false, "Seed the random number generator with --seed.")
	flagJobID    = flag.Int("jobid", 0, "Job id, only used to name the checkpoint.")
	flagTaskID   = flag.Int("taskid", 0, "Task id, only used to name the checkpoint.")
	flagSaveDir  = flag.String("save_dir", config.DefaultSaveDir, "Directory where checkpoints are saved.")
	flagDataRoot = flag.String("data_root", "", "Directory relative data paths are resolved against.")
	flagConfig   = flag.String("config", "", "Optional YAML file overriding the configuration.")
	flagSettings = flag.String("set", "", `Settings applied last, of the form "key=value;key=value;file:<path>", `+
		"with the keys of the YAML configuration.")
	flagProgress = flag.Bool("progress", false, "Display a progress bar and the epochs summary.")
	flagPlot     = flag.Bool("plot", false, "Save the learning curves next to the checkpoint.")
	flagTest     = flag.Bool("test", true, "Report the accuracy on the test split at the end.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	cfg, err := buildConfig()
	if err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}
	klog.V(1).Infof("configuration:\n%s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	opts := runOptions{progress: *flagProgress, plot: *flagPlot, test: *flagTest}
	if exception := exceptions.TryCatch[error](func() {
		err = run(ctx, cfg, opts)
	}); exception != nil {
		err = exception
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			klog.Warningf("Training interrupted: %v", err)
			os.Exit(1)
		}
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// buildConfig merges the language parameters, the command line flags, the YAML
// configuration file and the settings, in this order.
func buildConfig() (*config.Config, error) {
	if *flagLang == "" {
		return nil, errors.Errorf("--lang is required, known languages are %q", config.KnownLanguages())
	}
	cfg, err := config.ForLanguage(*flagLang)
	if err != nil {
		return nil, err
	}
	cfg.Model = *flagModel
	cfg.Mode = *flagMode
	cfg.Optimizer = *flagOpt
	cfg.PriorLR = *flagPriorLR
	cfg.ProjLR = *flagProjLR
	cfg.LoadNICE = *flagLoadNICE
	cfg.LoadGaussian = *flagLoadGaus
	cfg.Seed = *flagSeed
	cfg.SetSeed = *flagSetSeed
	cfg.JobID = *flagJobID
	cfg.TaskID = *flagTaskID
	cfg.SaveDir = *flagSaveDir
	cfg.DataRoot = *flagDataRoot
	if *flagConfig != "" {
		if err := cfg.LoadYAML(*flagConfig); err != nil {
			return nil, err
		}
	}
	if *flagSettings != "" {
		keys, err := cfg.ApplySettings(*flagSettings)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("settings applied: %q", keys)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
