// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sched

import (
	"strconv"
	"strings"
	"time"

	"github.com/spinedata/spine/pkg/errors"
)

// Cron is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
type Cron struct {
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6, 0 = Sunday
}

// ParseCron parses a cron expression. The @hourly/@daily/@midnight/
// @weekly/@monthly/@yearly aliases are accepted.
func ParseCron(expr string) (*Cron, error) {
	switch strings.ToLower(expr) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, errors.Newf(errors.CategoryValidation,
			"cron expression needs 5 fields, got %d", len(fields))
	}

	c := &Cron{}
	var err error
	if c.minute, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "minute field")
	}
	if c.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "hour field")
	}
	if c.dayOfMonth, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "day-of-month field")
	}
	if c.month, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "month field")
	}
	if c.dayOfWeek, err = parseCronField(fields[4], 0, 6); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "day-of-week field")
	}
	return c, nil
}

// parseCronField expands one field into its sorted value set.
func parseCronField(field string, min, max int) ([]int, error) {
	if field == "*" {
		values := make([]int, max-min+1)
		for i := range values {
			values[i] = min + i
		}
		return values, nil
	}

	seen := make(map[int]bool)
	var values []int
	for _, part := range strings.Split(field, ",") {
		expanded, err := parseCronPart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range expanded {
			if !seen[v] {
				seen[v] = true
				values = append(values, v)
			}
		}
	}
	return values, nil
}

// parseCronPart handles a single value, a range, and step suffixes on
// either ("*/5", "1-10/2").
func parseCronPart(part string, min, max int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		parsed, err := strconv.Atoi(part[idx+1:])
		if err != nil || parsed <= 0 {
			return nil, errors.Newf(errors.CategoryValidation, "invalid step %q", part[idx+1:])
		}
		step = parsed
		part = part[:idx]
	}

	var start, end int
	switch {
	case part == "*":
		start, end = min, max
	case strings.Contains(part, "-"):
		lo, hi, _ := strings.Cut(part, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return nil, errors.Newf(errors.CategoryValidation, "invalid range start %q", lo)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return nil, errors.Newf(errors.CategoryValidation, "invalid range end %q", hi)
		}
	default:
		parsed, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Newf(errors.CategoryValidation, "invalid value %q", part)
		}
		start, end = parsed, parsed
	}

	if start < min || end > max || start > end {
		return nil, errors.Newf(errors.CategoryValidation,
			"range %d-%d outside [%d-%d]", start, end, min, max)
	}

	var values []int
	for v := start; v <= end; v += step {
		values = append(values, v)
	}
	return values, nil
}

// Next returns the first matching time strictly after from, or the zero
// time when nothing matches within four years.
func (c *Cron) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	horizon := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(horizon) {
		if !cronContains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !cronContains(c.dayOfMonth, t.Day()) || !cronContains(c.dayOfWeek, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !cronContains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !cronContains(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func cronContains(values []int, v int) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
