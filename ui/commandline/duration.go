// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"time"
)

var durationUnits = []struct {
	unit   time.Duration
	suffix string
}{
	{time.Second, "s"},
	{time.Millisecond, "ms"},
	{time.Microsecond, "µs"},
}

// FormatDuration pretty prints duration with 2 decimal places of its largest unit. Durations
// of a minute or more are rounded to the second.
func FormatDuration(d time.Duration) string {
	if d >= time.Minute || d <= -time.Minute {
		return d.Round(time.Second).String()
	}
	if d == 0 {
		return "0s"
	}
	abs := d
	if abs < 0 {
		abs = -abs
	}
	for _, u := range durationUnits {
		if abs >= u.unit {
			return fmt.Sprintf("%.2f%s", float64(d)/float64(u.unit), u.suffix)
		}
	}
	return fmt.Sprintf("%dns", d.Nanoseconds())
}
