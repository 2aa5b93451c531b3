// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/dmvflow/dmvflow/pkg/ml/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVars() *params.Collection {
	c := params.NewCollection()
	means := c.New("means", params.Prior, 2, 3)
	proj := c.New("nice.scale", params.Projection, 3)
	values := make([]float64, means.Size())
	for ii := range values {
		values[ii] = math.Pi * float64(ii+1) / 7
	}
	means.SetValues(values)
	proj.SetValues([]float64{-1e-300, math.MaxFloat64, math.Nextafter(1, 2)})
	return c
}

func TestSaveRestore(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		dir := t.TempDir()
		h, err := Build(dir).Name("da", "supervised_wpos", "nice", 3, 1).WithCompression(bf).Done()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "da_supervised_wpos_nice_3_1.pt"), h.Path())
		assert.False(t, h.Exists())

		original := testVars()
		require.NoError(t, h.Save(original.All(), 0.625))
		require.True(t, h.Exists())

		raw, err := os.ReadFile(h.Path())
		require.NoError(t, err)
		assert.Equal(t, bf == BinGZIP, raw[0] == 0x1f && raw[1] == 0x8b, "compression of format %d", bf)

		restored := params.NewCollection()
		restored.New("means", params.Prior, 2, 3)
		restored.New("nice.scale", params.Projection, 3)
		require.NoError(t, h.Restore(restored.All()))
		for _, v := range original.All() {
			assert.Equal(t, v.Values(), restored.Get(v.Name()).Values(), "variable %s", v.Name())
		}

		ckpt, err := Load(h.Path())
		require.NoError(t, err)
		assert.Equal(t, 0.625, ckpt.Score())
		assert.Equal(t, h.RunID(), ckpt.Header.RunID)
		assert.True(t, ckpt.Has("means"))
		assert.False(t, ckpt.Has("logvar"))
		require.Len(t, ckpt.Header.Variables, 2)
		assert.Equal(t, "projection", ckpt.Header.Variables[1].Group)
		assert.Equal(t, []int{2, 3}, ckpt.Header.Variables[0].Shape)
	}
}

func TestSaveOverwrites(t *testing.T) {
	h, err := Build(t.TempDir()).File("model.pt").Done()
	require.NoError(t, err)
	vars := testVars()
	require.NoError(t, h.Save(vars.All(), 0.1))
	means := vars.Get("means").Values()
	means[0] = 42
	vars.Get("means").SetValues(means)
	require.NoError(t, h.Save(vars.All(), 0.2))

	ckpt, err := Load(h.Path())
	require.NoError(t, err)
	assert.Equal(t, 0.2, ckpt.Score())
	values, found := ckpt.Values("means")
	require.True(t, found)
	assert.Equal(t, 42.0, values[0])

	entries, err := os.ReadDir(filepath.Dir(h.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestRestoreIncompatible(t *testing.T) {
	h, err := Build(t.TempDir()).File("model.pt").Done()
	require.NoError(t, err)
	require.NoError(t, h.Save(testVars().All(), 0.5))

	wrongShape := params.NewCollection()
	means := wrongShape.New("means", params.Prior, 3, 2)
	scale := wrongShape.New("nice.scale", params.Projection, 3)
	scale.SetValues([]float64{7, 0, 0})
	require.Error(t, h.Restore([]*params.Variable{scale, means}))
	assert.Equal(t, 7.0, scale.Values()[0], "nothing restored on error")

	missing := params.NewCollection()
	missing.New("logvar", params.Prior, 3)
	require.Error(t, h.Restore(missing.All()))
}

func TestLoadSubset(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).File("nice_pretrained.pt").Done()
	require.NoError(t, err)
	original := testVars()
	require.NoError(t, h.Save(original.All(), 0))

	model := params.NewCollection()
	model.New("means", params.Prior, 2, 3)
	scale := model.New("nice.scale", params.Projection, 3)
	require.NoError(t, LoadSubset(h.Path(), []*params.Variable{scale}))
	assert.Equal(t, original.Get("nice.scale").Values(), scale.Values())
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0}, model.Get("means").Values())

	require.Error(t, LoadSubset(filepath.Join(dir, "missing.pt"), model.All()))
}

func TestInvalidConfigs(t *testing.T) {
	dir := t.TempDir()
	_, err := Build(dir).Done()
	require.Error(t, err, "missing file name")
	_, err = Build("").Name("da", "unsupervised", "gaussian", 0, 0).Done()
	require.Error(t, err, "missing directory")
	_, err = Build(dir).File("sub/model.pt").Done()
	require.Error(t, err, "file names can't hold directories")

	file := filepath.Join(dir, "not_a_dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	_, err = Build(file).File("model.pt").Done()
	require.Error(t, err)

	h, err := Build(filepath.Join(dir, "new", "nested")).File("model.pt").Done()
	require.NoError(t, err, "directories are created")
	require.Error(t, h.Save(testVars().All(), math.NaN()))
	require.Error(t, h.Save(testVars().All(), math.Inf(1)))
	require.Error(t, h.Restore(testVars().All()), "no checkpoint saved yet")
	assert.False(t, h.Exists())
}

func TestSaveRejectsDuplicates(t *testing.T) {
	h, err := Build(t.TempDir()).File("model.pt").Done()
	require.NoError(t, err)
	v := params.NewCollection().New("w", params.Prior, 2)
	require.Error(t, h.Save([]*params.Variable{v, v}, 0))
}

func TestLoadCorrupted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pt")
	require.NoError(t, os.WriteFile(path, []byte("{\"format\":1,\"variables\":[{\"name\":\"w\",\"shape\":[4]}]}\n\x00\x01"), 0600))
	_, err := Load(path)
	require.Error(t, err, "truncated values")

	require.NoError(t, os.WriteFile(path, []byte("{\"format\":99}\n"), 0600))
	_, err = Load(path)
	require.Error(t, err, "unknown format")
}
