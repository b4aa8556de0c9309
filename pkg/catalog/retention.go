/*
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright the virt-backup contributors.
 *
 */

package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/virtbackup/virtbackup/pkg/backup"
)

// Unbounded marks a retention period as "keep the earliest of every group"
// (spec §4.7's `"*"`). Config decodes the string into this sentinel; zero
// means "keep nothing from this period".
const Unbounded = -1

// Policy holds the five independent period caps of spec §4.7.
type Policy struct {
	Hourly, Daily, Weekly, Monthly, Yearly int
}

// period names one of the five retention buckets, evaluated independently
// and in this order (spec §4.7 step 2).
type period struct {
	name   string
	cap    int
	bucket func(time.Time) string
}

func (p Policy) periods() []period {
	return []period{
		{"hourly", p.Hourly, func(t time.Time) string { return t.Format("2006-01-02T15") }},
		{"daily", p.Daily, func(t time.Time) string { return t.Format("2006-01-02") }},
		{"weekly", p.Weekly, func(t time.Time) string {
			year, week := t.ISOWeek()
			return fmt.Sprintf("%04d-W%02d", year, week)
		}},
		{"monthly", p.Monthly, func(t time.Time) string { return t.Format("2006-01") }},
		{"yearly", p.Yearly, func(t time.Time) string { return t.Format("2006") }},
	}
}

// ApplyRetention partitions backups into (keep, remove) per spec §4.7's
// algorithm: backups are sorted ascending by date; each period independently
// groups backups by its calendar-field key and keeps the earliest backup of
// each of its last `cap` groups (every group, if cap is Unbounded); the
// union of everything any period kept survives.
func ApplyRetention(backups []*backup.CompleteBackup, policy Policy) (keep, remove []*backup.CompleteBackup) {
	sorted := make([]*backup.CompleteBackup, len(backups))
	copy(sorted, backups)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Definition().Date < sorted[j].Definition().Date
	})

	kept := make(map[int]bool, len(sorted))

	for _, per := range policy.periods() {
		if per.cap == 0 {
			continue
		}

		firstIndexOfKey := map[string]int{}
		var order []string
		for i, b := range sorted {
			key := per.bucket(time.Unix(b.Definition().Date, 0).Local())
			if _, ok := firstIndexOfKey[key]; !ok {
				firstIndexOfKey[key] = i
				order = append(order, key)
			}
		}

		selected := order
		if per.cap != Unbounded && per.cap < len(order) {
			selected = order[len(order)-per.cap:]
		}
		for _, key := range selected {
			kept[firstIndexOfKey[key]] = true
		}
	}

	for i, b := range sorted {
		if kept[i] {
			keep = append(keep, b)
		} else {
			remove = append(remove, b)
		}
	}
	return keep, remove
}
