// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dmvflow/dmvflow/pkg/data/embeddings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress(t *testing.T) {
	dir := t.TempDir()
	treebank := "1\tdogs\t_\tNOUN\t_\t_\t2\t_\t_\t_\n2\tbark\t_\tVERB\t_\t_\t0\t_\t_\t_\n"
	other := "1\tcats\t_\tNOUN\t_\t_\t2\t_\t_\t_\n2\tbark\t_\tVERB\t_\t_\t0\t_\t_\t_\n3\tloudly\t_\tADV\t_\t_\t2\t_\t_\t_\n"
	for name, contents := range map[string]string{
		"train.conllu": treebank,
		"val.conllu":   other,
		"test.conllu":  treebank,
		"full.vec":     "5 2\nthe 1 2\ndogs 3 4\ncats 5 6\nbark 7 8\nsky 9 10\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}

	vocab, err := treebanksVocab(filepath.Join(dir, "train.conllu"), filepath.Join(dir, "val.conllu"), filepath.Join(dir, "test.conllu"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dogs", "bark", "cats", "loudly"}, vocab)
	_, err = treebanksVocab(filepath.Join(dir, "missing.conllu"))
	assert.Error(t, err)

	*flagLang = "da"
	*flagDataRoot = dir
	*flagVectors = "full.vec"
	*flagOut = "small.vec"
	defer func() { *flagLang, *flagDataRoot, *flagVectors, *flagOut = "", "", "", "" }()
	// The treebanks of the language are not in the data root.
	require.Error(t, compress())

	// Danish validates on the dev split.
	for name, udSplit := range map[string]string{"train": "train", "val": "dev", "test": "test"} {
		target := filepath.Join(dir, "ud-treebanks-v2.2", "UD_Danish-DDT", "da_ddt-ud-"+udSplit+".conllu")
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		require.NoError(t, os.Rename(filepath.Join(dir, name+".conllu"), target))
	}
	require.NoError(t, compress())
	small, err := embeddings.Load(filepath.Join(dir, "small.vec"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dogs", "bark", "cats"}, small.Words())
	vec, found := small.Lookup("cats")
	require.True(t, found)
	assert.Equal(t, []float64{5, 6}, vec)
}
