// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// dmvflow_checkpoints reports on the contents of checkpoints saved by dmvflow_train: run
// identification, score, variables and the learning curve points saved with --plot.
//
// Example:
//
//	dmvflow_checkpoints -vars -metrics dump_models/dmv/da_supervised_wopos_nice_0_0.pt
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dmvflow/dmvflow/pkg/ml/checkpoints"
	"github.com/dmvflow/dmvflow/ui/plots"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the checkpoints: run id, score, sizes.")
	flagVars    = flag.Bool("vars", false, "Lists the variables, with their value statistics.")
	flagGroup   = flag.String("group", "", `Only list variables of this group ("prior" or "projection").`)
	flagMetrics = flag.Bool("metrics", false,
		`Lists the learning curve points saved next to the checkpoint, in "<checkpoint>_points.json".`)
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separated list of metric names to include in metrics report.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	paths := flag.Args()
	if len(paths) == 0 {
		klog.Errorf("Missing checkpoint files to read from. See 'dmvflow_checkpoints -help'")
		os.Exit(1)
	}
	opts := reportOptions{
		summary:      *flagSummary,
		vars:         *flagVars,
		group:        *flagGroup,
		metrics:      *flagMetrics,
		metricsNames: splitList(*flagMetricsNames),
	}
	if err := report(os.Stdout, paths, opts); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func splitList(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

type reportOptions struct {
	summary, vars, metrics bool
	group                  string
	metricsNames           []string
}

func report(w io.Writer, paths []string, opts reportOptions) error {
	ckpts := make([]*checkpoints.Checkpoint, len(paths))
	for ii, path := range paths {
		ckpt, err := checkpoints.Load(path)
		if err != nil {
			return err
		}
		ckpts[ii] = ckpt
	}
	if opts.summary {
		printSection(w, "Summary", summaryTable(paths, ckpts))
	}
	if opts.vars {
		for ii, ckpt := range ckpts {
			printSection(w, "Variables of "+paths[ii], varsTable(ckpt, opts.group))
		}
	}
	if opts.metrics {
		for _, path := range paths {
			table, err := metricsTable(path, opts.metricsNames)
			if err != nil {
				return err
			}
			printSection(w, "Metrics of "+path, table)
		}
	}
	return nil
}

func printSection(w io.Writer, title, table string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
	_, _ = fmt.Fprintln(w, table)
}

// summaryTable has one column per checkpoint.
func summaryTable(paths []string, ckpts []*checkpoints.Checkpoint) string {
	table := newPlainTable()
	table.Row(append([]string{"checkpoint"}, paths...)...)
	rows := map[string][]string{}
	names := []string{"run id", "saved at", "score", "# variables", "# parameters", "# bytes"}
	for _, ckpt := range ckpts {
		var numParams int
		for _, entry := range ckpt.Header.Variables {
			values, _ := ckpt.Values(entry.Name)
			numParams += len(values)
		}
		rows["run id"] = append(rows["run id"], ckpt.Header.RunID)
		rows["saved at"] = append(rows["saved at"], ckpt.Header.SavedAt.Format(time.DateTime))
		rows["score"] = append(rows["score"], fmt.Sprintf("%.4f", ckpt.Score()))
		rows["# variables"] = append(rows["# variables"], humanize.Comma(int64(len(ckpt.Header.Variables))))
		rows["# parameters"] = append(rows["# parameters"], humanize.Comma(int64(numParams)))
		rows["# bytes"] = append(rows["# bytes"], humanize.Bytes(uint64(8*numParams)))
	}
	for _, name := range names {
		table.Row(append([]string{name}, rows[name]...)...)
	}
	return table.String()
}

// varsTable lists the variables in checkpoint order, optionally only those of group.
func varsTable(ckpt *checkpoints.Checkpoint, group string) string {
	table := newPlainTable("Name", "Group", "Shape", "Size", "Mean", "StdDev", "Max |x|")
	for _, entry := range ckpt.Header.Variables {
		if group != "" && entry.Group != group {
			continue
		}
		values, _ := ckpt.Values(entry.Name)
		mean, stdDev := stat.MeanStdDev(values, nil)
		var maxAbs float64
		if len(values) > 0 {
			maxAbs = max(floats.Max(values), -floats.Min(values))
		}
		table.Row(entry.Name, entry.Group, fmt.Sprintf("%v", entry.Shape), humanize.Comma(int64(len(values))),
			fmt.Sprintf("%.4g", mean), fmt.Sprintf("%.4g", stdDev), fmt.Sprintf("%.4g", maxAbs))
	}
	return table.String()
}

// metricsTable reads the learning curve points saved next to the checkpoint.
func metricsTable(checkpointPath string, names []string) (string, error) {
	pointsPath := strings.TrimSuffix(checkpointPath, ".pt") + "_points.json"
	rawPoints, err := plots.LoadPoints(pointsPath)
	if err != nil {
		return "", err
	}
	if len(rawPoints) == 0 {
		return "", errors.Errorf("no metrics found in %q", pointsPath)
	}
	points := plots.NewPoints(rawPoints)
	if len(names) > 0 {
		known := points.MetricsNames()
		for _, name := range names {
			if !slices.Contains(known, name) {
				return "", errors.Errorf("metric %q not found in %q, known metrics are %q", name, pointsPath, known)
			}
		}
	}
	return points.TableForMetrics(names...), nil
}
