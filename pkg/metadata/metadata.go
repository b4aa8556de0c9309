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

// Package metadata implements the schema-versioned on-disk records of
// §4.8/§6.2: the immutable Definition written on a successful backup, the
// Pending-info written during one, and the forward-only migration chain
// that upgrades records read from disk to the current schema.
package metadata

import (
	"fmt"
	"time"

	"github.com/virtbackup/virtbackup/pkg/packager"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = "0.5.2"

// PackagerRef records which packager variant and options produced a
// backup's artifacts, so a later restore or retention pass can reconstruct
// an equivalent read/write packager.
type PackagerRef struct {
	Type string            `json:"type"`
	Opts packager.Options  `json:"opts"`
}

// DiskEntry is one disk's artifact reference within a Definition.
type DiskEntry struct {
	Artifact string `json:"artifact"`
	Type     string `json:"type,omitempty"`
}

// Definition is the immutable record written beside a completed backup's
// artifacts (spec §3 "Definition").
type Definition struct {
	Version    string               `json:"version"`
	Name       string               `json:"name"`
	DomainID   int                  `json:"domain_id"`
	DomainName string               `json:"domain_name"`
	DomainXML  string               `json:"domain_xml"`
	Date       int64                `json:"date"` // unix seconds, local-time derived name
	Disks      map[string]DiskEntry `json:"disks"`
	Packager   PackagerRef          `json:"packager"`
}

// DiskProgress is one disk's in-flight state within a Pending record.
type DiskProgress struct {
	Src      string `json:"src"`
	Snapshot string `json:"snapshot"`
	Target   string `json:"target,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Pending is the mutable record written after every state change during a
// backup (spec §3 "Pending-info", §5 "open->write->close, not append").
type Pending struct {
	Version    string                  `json:"version"`
	Name       string                  `json:"name"`
	DomainID   int                     `json:"domain_id"`
	DomainName string                  `json:"domain_name"`
	DomainXML  string                  `json:"domain_xml"`
	Date       int64                   `json:"date"`
	Disks      map[string]DiskProgress `json:"disks"`
	Packager   PackagerRef             `json:"packager"`
}

// NameOf formats the name assigned to a backup taken at t for the given
// domain (spec §3 "name format", example S1).
func NameOf(t time.Time, domainID int, domainName string) string {
	return fmt.Sprintf("%s_%d_%s", t.Local().Format("20060102-150405"), domainID, domainName)
}

// ArtifactName formats the per-disk artifact name used by the directory and
// tar variants (example S1: "20160815-171013_1_test_vda").
func ArtifactName(backupName, dev string) string {
	return backupName + "_" + dev
}

// ParseName recovers (date, domainID, domainName) from a backup name,
// supporting the universal invariant that every definition's name parses
// back to its constituent parts.
func ParseName(name string) (date time.Time, domainID int, domainName string, err error) {
	var dateStr string
	n, scanErr := fmt.Sscanf(name, "%15s_%d_", &dateStr, &domainID)
	if scanErr != nil || n < 2 {
		return time.Time{}, 0, "", fmt.Errorf("metadata: %q does not match the <date>_<id>_<name> layout", name)
	}
	prefix := fmt.Sprintf("%s_%d_", dateStr, domainID)
	if len(name) <= len(prefix) {
		return time.Time{}, 0, "", fmt.Errorf("metadata: %q is missing a domain name suffix", name)
	}
	domainName = name[len(prefix):]
	date, err = time.ParseInLocation("20060102-150405", dateStr, time.Local)
	if err != nil {
		return time.Time{}, 0, "", fmt.Errorf("metadata: parsing date in %q: %w", name, err)
	}
	return date, domainID, domainName, nil
}
