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

package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/virtbackup/virtbackup/pkg/domainxml"
)

// record is the loosely-typed shape migration converters operate on: plain
// decoded JSON, not yet bound to Definition/Pending. Converters only ever
// add or rename keys; they never need to understand fields they don't
// touch, which is what lets unrecognized future versions "pass through
// untouched" per §4.8.
type record map[string]interface{}

// converter is one step of the forward-only migration chain. isNeeded
// reports whether a record at version v still requires this step;
// convert performs the rewrite and returns the record at version `to`.
type converter struct {
	from, to string
	convert  func(record) (record, error)
}

func (c converter) isNeeded(v string) bool {
	return compareVersions(v, c.from) >= 0 && compareVersions(v, c.to) < 0
}

// chain is applied in order; each converter's `to` becomes the version
// compared against the next converter's isNeeded.
var chain = []converter{
	{from: "0.0.0", to: "0.4.0", convert: migrateCompressionToPackager},
	{from: "0.4.0", to: "0.5.2", convert: migrateBackfillDiskType},
}

// Migrate runs every converter whose range covers the record's current
// version, in order, and returns the record at CurrentVersion (or at
// whatever version the chain left it, if it is already newer than every
// converter — spec's "unrecognized future versions pass through
// untouched").
func Migrate(raw []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("metadata: decoding record: %w", err)
	}

	v, _ := rec["version"].(string)
	if v == "" {
		v = "0.1.0"
	}

	for _, c := range chain {
		if !c.isNeeded(v) {
			continue
		}
		var err error
		rec, err = c.convert(rec)
		if err != nil {
			return nil, fmt.Errorf("metadata: migrating from %s to %s: %w", c.from, c.to, err)
		}
		rec["version"] = c.to
		v = c.to
	}
	return rec, nil
}

// migrateCompressionToPackager implements the v0.1.0 -> v0.4.0 step
// (spec §4.8, example S3): folds the old compression/compression_lvl/tar
// fields into the current packager{type,opts} shape, and backfills name
// when the legacy record has none.
func migrateCompressionToPackager(rec record) (record, error) {
	if _, hasPackager := rec["packager"]; hasPackager {
		return rec, nil
	}

	compression, _ := rec["compression"].(string)
	lvl, _ := rec["compression_lvl"].(float64)

	var packagerType string
	opts := map[string]interface{}{}
	switch compression {
	case "", "None", "none":
		packagerType = "directory"
	case "tar":
		packagerType = "tar"
	default:
		packagerType = "tar"
		opts["compression"] = compression
		if lvl != 0 {
			opts["compression_lvl"] = lvl
		}
	}
	rec["packager"] = map[string]interface{}{"type": packagerType, "opts": opts}
	delete(rec, "compression")
	delete(rec, "compression_lvl")

	if tarName, ok := rec["tar"].(string); ok && tarName != "" {
		rec["name"] = stripArchiveExtension(tarName)
		delete(rec, "tar")
	} else if _, hasName := rec["name"]; !hasName {
		date, _ := rec["date"].(float64)
		id, _ := rec["domain_id"].(float64)
		domainName, _ := rec["domain_name"].(string)
		rec["name"] = fmt.Sprintf("%s_%d_%s", formatUnixLocal(int64(date)), int(id), domainName)
	}

	return rec, nil
}

func formatUnixLocal(sec int64) string {
	return time.Unix(sec, 0).Local().Format("20060102-150405")
}

func stripArchiveExtension(name string) string {
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".bz2")
	name = strings.TrimSuffix(name, ".xz")
	name = strings.TrimSuffix(name, ".tar")
	return name
}

// migrateBackfillDiskType implements the v0.4.0 -> v0.5.2 step: pending-info
// records whose per-disk entries lack `type` get it backfilled from the
// stored domain XML's driver element. Definitions never carry this gap (the
// `type` field was added to DiskEntry from the start), so this is a no-op
// for them.
func migrateBackfillDiskType(rec record) (record, error) {
	disksRaw, ok := rec["disks"].(map[string]interface{})
	if !ok {
		return rec, nil
	}
	domainXML, _ := rec["domain_xml"].(string)

	var disks map[string]domainxml.Disk
	for dev, entryRaw := range disksRaw {
		entry, ok := entryRaw.(map[string]interface{})
		if !ok {
			continue
		}
		if t, has := entry["type"]; has && t != "" {
			continue
		}
		if disks == nil {
			var err error
			disks, err = domainxml.DisksOf(domainXML)
			if err != nil {
				return nil, fmt.Errorf("parsing stored domain xml to backfill disk type: %w", err)
			}
		}
		if d, ok := disks[dev]; ok {
			entry["type"] = d.Format
		}
	}
	return rec, nil
}

// compareVersions compares two "major.minor.patch" strings, returning -1,
// 0, or 1. Metadata versions in this system are a closed, tiny set
// (0.1.0, 0.4.0, 0.5.2, ...) so a hand-rolled dotted-integer comparison is
// all the chain needs; see DESIGN.md for why no semver library is pulled
// in for this.
func compareVersions(a, b string) int {
	pa, pb := splitVersion(a), splitVersion(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func splitVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(v, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, _ := strconv.Atoi(parts[i])
		out[i] = n
	}
	return out
}
