// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/dmvflow/dmvflow/pkg/ml/checkpoints"
	"github.com/dmvflow/dmvflow/pkg/ml/params"
	"github.com/dmvflow/dmvflow/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveTestCheckpoint(t *testing.T, dir string) string {
	vars := params.NewCollection()
	root := vars.New("dmv.root", params.Prior, 3)
	root.SetValues([]float64{-1, 0.5, 2})
	scale := vars.New("flow.log_scale", params.Projection, 2)
	scale.SetValues([]float64{0.25, -4})
	h, err := checkpoints.Build(dir).Name("da", "unsupervised", "nice", 0, 2).Done()
	require.NoError(t, err)
	require.NoError(t, h.Save(vars.All(), 0.75))
	return h.Path()
}

func TestReport(t *testing.T) {
	dir := t.TempDir()
	path := saveTestCheckpoint(t, dir)

	var buf bytes.Buffer
	require.NoError(t, report(&buf, []string{path}, reportOptions{summary: true, vars: true, group: string(params.Projection)}))
	out := buf.String()
	for _, want := range []string{"Summary", "0.7500", "# parameters", "flow.log_scale", "-4"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "dmv.root", "filtered by group")

	// Metrics require the points file.
	buf.Reset()
	assert.Error(t, report(&buf, []string{path}, reportOptions{metrics: true}))
	pointsPath := filepath.Join(dir, "da_unsupervised_nice_0_2_points.json")
	writer, errReport := plots.CreatePointsWriter(pointsPath)
	writer <- plots.Point{MetricName: plots.TrainLLPerWord, MetricType: plots.LikelihoodType, Step: 4, Value: -3.5}
	close(writer)
	require.NoError(t, <-errReport)
	require.NoError(t, report(&buf, []string{path}, reportOptions{metrics: true, metricsNames: []string{plots.TrainLLPerWord}}))
	assert.Contains(t, buf.String(), "-3.500000")
	assert.Error(t, report(&buf, []string{path}, reportOptions{metrics: true, metricsNames: []string{"bogus"}}))

	assert.Error(t, report(&buf, []string{filepath.Join(dir, "missing.pt")}, reportOptions{summary: true}))
	assert.Equal(t, []string{"a", "b"}, splitList("a,b"))
	assert.Nil(t, splitList(""))
}
