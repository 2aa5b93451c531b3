// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package embeddings

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const sampleVectors = `4 2
hund 1 2
kat -1 0.5

så 0 1
hund 9 9
`

func TestRead(t *testing.T) {
	v, err := Read(strings.NewReader(sampleVectors))
	require.NoError(t, err)
	assert.Equal(t, 3, v.Len(), "header size is a hint, repeated words keep the first vector")
	assert.Equal(t, 2, v.Dim())
	assert.Equal(t, []string{"hund", "kat", "så"}, v.Words())

	vec, found := v.Lookup("hund")
	require.True(t, found)
	assert.Equal(t, []float64{1, 2}, vec)
	vec[0] = 100
	vec, _ = v.Lookup("hund")
	assert.Equal(t, 1.0, vec[0], "Lookup returns a copy")

	_, found = v.Lookup("fisk")
	assert.False(t, found)
}

func TestReadUnicodeSpacesInWords(t *testing.T) {
	v, err := Read(strings.NewReader("2 2\nfoo 1 2\n10\u00a0000 3 4 \r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "10\u00a0000"}, v.Words())
	vec, found := v.Lookup("10\u00a0000")
	require.True(t, found)
	assert.Equal(t, []float64{3, 4}, vec)
}

func TestReadErrors(t *testing.T) {
	for _, contents := range []string{
		"",
		"3\n",
		"1 0\n",
		"1 2\nhund 1\n",
		"1 2\nhund 1 x\n",
		"1 2\n",
	} {
		_, err := Read(strings.NewReader(contents))
		assert.Errorf(t, err, "contents %q should fail", contents)
	}
}

func TestApplyMatrix(t *testing.T) {
	v, err := New([]string{"a", "b"}, [][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	// Swaps the coordinates and doubles the second.
	w := mat.NewDense(2, 2, []float64{
		0, 2,
		1, 0,
	})
	require.NoError(t, v.ApplyMatrix(w))
	vec, _ := v.Lookup("a")
	assert.Equal(t, []float64{2, 2}, vec)
	vec, _ = v.Lookup("b")
	assert.Equal(t, []float64{4, 6}, vec)

	require.Error(t, v.ApplyMatrix(mat.NewDense(3, 3, nil)))
}

func TestApplyTransform(t *testing.T) {
	v, err := Read(strings.NewReader(sampleVectors))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "align.txt")
	require.NoError(t, os.WriteFile(path, []byte("2 0\n0 -1\n"), 0o644))
	require.NoError(t, v.ApplyTransform(path))
	vec, _ := v.Lookup("kat")
	assert.Equal(t, []float64{-2, -0.5}, vec)

	require.NoError(t, os.WriteFile(path, []byte("1 0\n0\n"), 0o644))
	require.Error(t, v.ApplyTransform(path))
}

func TestSubsetAndWrite(t *testing.T) {
	v, err := New([]string{"a", "b", "c"}, [][]float64{{1, 2}, {3, 4}, {0.5, -0.25}})
	require.NoError(t, err)
	subset, missing := v.Subset([]string{"c", "x", "a", "c", "a b"})
	assert.Equal(t, 2, missing)
	assert.Equal(t, []string{"c", "a"}, subset.Words())

	var buf bytes.Buffer
	require.NoError(t, subset.Write(&buf))
	assert.Equal(t, "2 2\nc 0.5 -0.25\na 1 2\n", buf.String())

	reread, err := Read(&buf)
	require.NoError(t, err)
	vec, _ := reread.Lookup("c")
	assert.Equal(t, []float64{0.5, -0.25}, vec)

	empty, missing := v.Subset([]string{"x"})
	assert.Equal(t, 1, missing)
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, 2, empty.Dim())
	buf.Reset()
	require.NoError(t, empty.Write(&buf))
	assert.Equal(t, "0 2\n", buf.String())
}
