// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// dmvflow_compress writes the subset of a word vectors file covering the vocabulary of the
// train, val and test treebanks of a language. The smaller file loads much faster, which
// is handy to debug and tune models.
//
// By default, the output is the vec_file of the language configuration.
package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/dmvflow/dmvflow/pkg/config"
	"github.com/dmvflow/dmvflow/pkg/data/conllu"
	"github.com/dmvflow/dmvflow/pkg/data/embeddings"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagLang     = flag.String("lang", "", "Language whose treebanks define the vocabulary (required).")
	flagVectors  = flag.String("vectors", "", `Full word vectors file. Defaults to "fastText_data/wiki.<lang>.vec".`)
	flagOut      = flag.String("out", "", "Output file. Defaults to the vec_file of the language.")
	flagDataRoot = flag.String("data_root", "", "Directory relative data paths are resolved against.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := compress(); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func compress() error {
	if *flagLang == "" {
		return errors.Errorf("--lang is required, known languages are %q", config.KnownLanguages())
	}
	cfg, err := config.ForLanguage(*flagLang)
	if err != nil {
		return err
	}
	cfg.DataRoot = *flagDataRoot
	vecPath := *flagVectors
	if vecPath == "" {
		vecPath = filepath.Join(cfg.EmbDir, "wiki."+cfg.Language+".vec")
	}
	outPath := *flagOut
	if outPath == "" {
		outPath = cfg.VecFile
	}

	vocab, err := treebanksVocab(cfg.DataPath(cfg.TrainFile), cfg.DataPath(cfg.ValFile), cfg.DataPath(cfg.TestFile))
	if err != nil {
		return err
	}
	klog.Infof("vocab length %s", humanize.Comma(int64(len(vocab))))
	vectors, err := embeddings.Load(cfg.DataPath(vecPath))
	if err != nil {
		return err
	}
	subset, missing := vectors.Subset(vocab)
	klog.Infof("%s words without a vector", humanize.Comma(int64(missing)))

	outPath = cfg.DataPath(outPath)
	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", outPath)
	}
	if err := subset.Write(f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", outPath)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", outPath)
	}
	klog.Infof("wrote %s vectors to %s", humanize.Comma(int64(subset.Len())), outPath)
	return nil
}

// treebanksVocab returns the word forms of the treebanks, in order of first occurrence.
func treebanksVocab(paths ...string) ([]string, error) {
	seen := make(map[string]bool)
	var vocab []string
	for _, path := range paths {
		sentences, err := conllu.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, s := range sentences {
			for _, word := range s.Forms() {
				if !seen[word] {
					seen[word] = true
					vocab = append(vocab, word)
				}
			}
		}
	}
	return vocab, nil
}
