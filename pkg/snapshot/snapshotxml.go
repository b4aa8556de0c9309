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

package snapshot

import (
	"encoding/xml"
	"sort"
)

// snapshotDisk and snapshotDoc build the <domainsnapshot> request document
// by hand rather than through libvirtxml: this side only ever emits a
// request, it never parses one, so a hand-written encoding/xml struct is
// all it needs.
type snapshotDiskSource struct {
	File string `xml:"file,attr"`
}

type snapshotDisk struct {
	Name     string               `xml:"name,attr"`
	Snapshot string               `xml:"snapshot,attr"`
	Source   *snapshotDiskSource  `xml:"source,omitempty"`
}

type snapshotDoc struct {
	XMLName xml.Name       `xml:"domainsnapshot"`
	Disks   []snapshotDisk `xml:"disks>disk"`
}

// buildSnapshotXML emits the disk-only external snapshot request of spec
// §4.3/example S2: every tracked device gets snapshot="external" plus the
// overlay path this backup computed for it, every other file-backed device
// on the domain gets snapshot="no" so libvirt does not also snapshot disks
// outside this backup. Disks are emitted in sorted device-name order for a
// deterministic document.
func buildSnapshotXML(overlays map[string]string, allFileDisks []string) (string, error) {
	names := append([]string(nil), allFileDisks...)
	sort.Strings(names)

	doc := snapshotDoc{}
	for _, name := range names {
		if overlay, tracked := overlays[name]; tracked {
			doc.Disks = append(doc.Disks, snapshotDisk{
				Name:     name,
				Snapshot: "external",
				Source:   &snapshotDiskSource{File: overlay},
			})
			continue
		}
		doc.Disks = append(doc.Disks, snapshotDisk{Name: name, Snapshot: "no"})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
