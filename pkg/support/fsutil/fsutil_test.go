// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	for in, want := range map[string]string{
		"":                 "",
		"data/vec":         "data/vec",
		"/tmp/~x":          "/tmp/~x",
		"~":                usr.HomeDir,
		"~/dump_models":    path.Join(usr.HomeDir, "dump_models"),
		"~" + usr.Username: usr.HomeDir,
	} {
		got, err := ReplaceTildeInDir(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	_, err = ReplaceTildeInDir("~no-such-user-dmvflow/x")
	require.Error(t, err)
}

func TestFileExistsAndRequireFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "train.conllu")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	exists, err := FileExists(file)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, RequireFile("train treebank", file))
	assert.ErrorContains(t, RequireFile("train treebank", ""), "not configured")
	assert.ErrorContains(t, RequireFile("train treebank", filepath.Join(dir, "missing")), "not found")
	assert.ErrorContains(t, RequireFile("word vectors", dir), "is a directory")
}
