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
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestMigrateCompressionToPackager reproduces the literal example from
// scenario S3: a v0.1.0 record using the legacy compression/tar fields
// migrates to the current packager{type,opts} shape.
func TestMigrateCompressionToPackager(t *testing.T) {
	input := []byte(`{
		"compression": "gz",
		"compression_lvl": 6,
		"domain_id": 3,
		"domain_name": "test-domain",
		"version": "0.1.0",
		"date": 1569890041,
		"tar": "20191001-003401_3_test-domain.tar.gz"
	}`)

	rec, err := Migrate(input)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	want := record{
		"name":        "20191001-003401_3_test-domain",
		"domain_id":   float64(3),
		"domain_name": "test-domain",
		"version":     "0.5.2",
		"date":        float64(1569890041),
		"packager": map[string]interface{}{
			"type": "tar",
			"opts": map[string]interface{}{
				"compression":     "gz",
				"compression_lvl": float64(6),
			},
		},
	}

	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("Migrate mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrateAbsentPackagerDefaultsToDirectory(t *testing.T) {
	input := []byte(`{"version": "0.1.0", "domain_id": 1, "domain_name": "vm", "date": 1000}`)
	rec, err := Migrate(input)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	pkg, ok := rec["packager"].(map[string]interface{})
	if !ok || pkg["type"] != "directory" {
		t.Fatalf("packager = %#v, want directory", rec["packager"])
	}
}

func TestMigrateLeavesCurrentVersionRecordsAlone(t *testing.T) {
	def := Definition{
		Version:    CurrentVersion,
		Name:       "20200101-000000_1_vm",
		DomainID:   1,
		DomainName: "vm",
		Disks:      map[string]DiskEntry{"vda": {Artifact: "20200101-000000_1_vm_vda", Type: "qcow2"}},
		Packager:   PackagerRef{Type: "directory"},
	}
	raw, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	rec, err := Migrate(raw)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if rec["version"] != CurrentVersion {
		t.Fatalf("version = %v, want %v", rec["version"], CurrentVersion)
	}
}
