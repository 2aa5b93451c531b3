// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dmvflow/dmvflow/pkg/config"
	"github.com/dmvflow/dmvflow/pkg/data/corpus"
	"github.com/dmvflow/dmvflow/pkg/data/embeddings"
	"github.com/dmvflow/dmvflow/pkg/ml/checkpoints"
	"github.com/dmvflow/dmvflow/pkg/ml/dmv"
	"github.com/dmvflow/dmvflow/pkg/ml/train"
	"github.com/dmvflow/dmvflow/pkg/support/fsutil"
	"github.com/dmvflow/dmvflow/ui/commandline"
	"github.com/dmvflow/dmvflow/ui/plots"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HeartbeatPeriod is the period of the V(1) log of the training position.
var HeartbeatPeriod = time.Minute

type runOptions struct {
	progress, plot, test bool
}

// splits of the treebank of a language, with the word vectors they were embedded with.
type splits struct {
	vectors          *embeddings.Vectors
	train, val, test *corpus.Corpus
}

// loadData loads the aligned word vectors and the three splits. The POS vocabulary of the
// train split is reused, frozen, by the val and test splits.
func loadData(cfg *config.Config) (*splits, error) {
	vecPath := cfg.DataPath(cfg.VecFile)
	if err := fsutil.RequireFile("word vectors", vecPath); err != nil {
		return nil, err
	}
	start := time.Now()
	vectors, err := embeddings.Load(vecPath)
	if err != nil {
		return nil, err
	}
	if cfg.AlignFile != "" {
		alignPath := cfg.DataPath(cfg.AlignFile)
		if err := fsutil.RequireFile("alignment matrix", alignPath); err != nil {
			return nil, err
		}
		if err := vectors.ApplyTransform(alignPath); err != nil {
			return nil, err
		}
	}
	klog.Infof("loaded %s word vectors of dimension %d in %s", humanize.Comma(int64(vectors.Len())), vectors.Dim(),
		commandline.FormatDuration(time.Since(start)))

	mode := train.Mode(cfg.Mode)
	s := &splits{vectors: vectors}
	s.train, err = loadSplit("train", cfg.DataPath(cfg.TrainFile), vectors, corpus.Options{
		MaxLen:       cfg.MaxLen,
		RequireTrees: mode.IsSupervised(),
	})
	if err != nil {
		return nil, err
	}
	frozen := corpus.Options{MaxLen: cfg.MaxLen, POSVocab: s.train.POSVocab}
	if s.val, err = loadSplit("val", cfg.DataPath(cfg.ValFile), vectors, frozen); err != nil {
		return nil, err
	}
	if s.test, err = loadSplit("test", cfg.DataPath(cfg.TestFile), vectors, frozen); err != nil {
		return nil, err
	}
	klog.Infof("%d POS tags: %s", s.train.POSVocab.Len(), strings.Join(s.train.POSVocab.Names(), " "))
	return s, nil
}

func loadSplit(name, path string, vectors *embeddings.Vectors, opts corpus.Options) (*corpus.Corpus, error) {
	if err := fsutil.RequireFile(name+" split", path); err != nil {
		return nil, err
	}
	c, err := corpus.Load(path, vectors, opts)
	if err != nil {
		return nil, err
	}
	klog.Infof("#%s sentences: %s (%s words)", name, humanize.Comma(int64(c.Len())), humanize.Comma(int64(c.NumWords)))
	return c, nil
}

// run trains the model configured by cfg, and optionally reports its test accuracy.
func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	data, err := loadData(cfg)
	if err != nil {
		return errors.WithMessagef(err, "loading data for language %q", cfg.Language)
	}
	model, err := dmv.New(cfg.ModelOptions(data.train.POSVocab.Len(), data.vectors.Dim()))
	if err != nil {
		return errors.WithMessagef(err, "creating %q model", cfg.Model)
	}
	ckpt, err := checkpoints.Build(cfg.SaveDir).
		Name(cfg.Language, cfg.Mode, cfg.Model, cfg.JobID, cfg.TaskID).
		Done()
	if err != nil {
		return errors.WithMessage(err, "configuring checkpoints")
	}
	klog.Infof("model save path: %s", ckpt.Path())

	trainer, err := train.New(cfg.TrainConfig(), model, train.Data{Train: data.train, Val: data.val}, ckpt)
	if err != nil {
		return err
	}
	train.PeriodicCallback(trainer, HeartbeatPeriod, false, "heartbeat", 100, func(t *train.Trainer, step *train.Step) error {
		klog.V(1).Infof("epoch %d, global step %s, %s optimizer updates", step.Epoch,
			humanize.Comma(int64(step.GlobalStep)), humanize.Comma(int64(t.Progress().Updates)))
		return nil
	})
	var report *commandline.EpochReport
	if opts.progress {
		commandline.AttachProgressBar(trainer)
		report = commandline.AttachEpochReport(trainer)
	}
	var collector *plots.Collector
	basePath := strings.TrimSuffix(ckpt.Path(), ".pt")
	if opts.plot {
		collector = plots.Attach(trainer, trainer.LogNIter(), basePath+"_points.json")
	}

	runErr := trainer.Run(ctx)
	if collector != nil {
		if err := collector.Close(); err != nil {
			klog.Errorf("saving learning curve points: %+v", err)
		}
		if len(collector.Points()) > 0 {
			pngPath := basePath + "_curves.png"
			if err := collector.Points().SavePNG(pngPath, cfg.RunName()); err != nil {
				klog.Errorf("plotting learning curves: %+v", err)
			} else {
				klog.Infof("learning curves saved to %s", pngPath)
			}
		}
	}
	if report != nil {
		_ = report.Print(os.Stdout)
	}
	if runErr != nil {
		return runErr
	}

	progress := trainer.Progress()
	klog.Infof("training done: %d epochs, %s steps, %d checkpoint saves, %d anneals, best validation accuracy %.4f",
		cfg.Epochs, humanize.Comma(int64(progress.GlobalStep)), progress.NumCheckpointSaves, progress.NumAnneals, progress.BestScore)
	if opts.test {
		acc := model.Test(data.test)
		klog.Infof("TEST: directed accuracy %.4f", acc)
		fmt.Printf("%s test accuracy: %.4f\n", cfg.RunName(), acc)
	}
	return nil
}
