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

package backup_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/virtbackup/virtbackup/pkg/backup"
	"github.com/virtbackup/virtbackup/pkg/hypervisor/hypervisortest"
	"github.com/virtbackup/virtbackup/pkg/metadata"
	"github.com/virtbackup/virtbackup/pkg/packager"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

const backedUpDomainXML = `<domain type="kvm">
  <name>vm1</name>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"/>
      <source file="/var/lib/libvirt/images/vm1-vda.qcow2"/>
      <target dev="vda" bus="virtio"/>
    </disk>
  </devices>
</domain>`

func writeCompletedBackup(t *testing.T, backupDir, name string, content []byte) *metadata.Definition {
	t.Helper()
	artifact := name + "_vda.qcow2"
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(backupDir, artifact), content, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	def := &metadata.Definition{
		Version:    metadata.CurrentVersion,
		Name:       name,
		DomainID:   1,
		DomainName: "vm1",
		DomainXML:  backedUpDomainXML,
		Date:       1569890041,
		Disks:      map[string]metadata.DiskEntry{"vda": {Artifact: artifact, Type: "qcow2"}},
		Packager:   metadata.PackagerRef{Type: string(packager.KindDirectory)},
	}
	if err := metadata.SaveDefinition(metadata.DefinitionPath(backupDir, name), def); err != nil {
		t.Fatalf("save definition: %v", err)
	}
	return def
}

func TestCompleteBackupRestoreDiskTo(t *testing.T) {
	backupDir := t.TempDir()
	name := "20160815-171013_1_vm1"
	content := []byte("disk bytes")
	writeCompletedBackup(t, backupDir, name, content)

	cb, err := backup.LoadCompleteBackup(backupDir, name)
	if err != nil {
		t.Fatalf("LoadCompleteBackup: %v", err)
	}

	target := filepath.Join(t.TempDir(), "restored.qcow2")
	written, err := cb.RestoreDiskTo("vda", target, nil)
	if err != nil {
		t.Fatalf("RestoreDiskTo: %v", err)
	}
	got, err := os.ReadFile(written)
	if err != nil {
		t.Fatalf("reading restored disk: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("restored content = %q, want %q", got, content)
	}

	if _, err := cb.RestoreDiskTo("vdz", target, nil); err == nil {
		t.Fatal("expected DiskNotFound for unknown device")
	} else if _, ok := err.(*vberrors.DiskNotFound); !ok {
		t.Fatalf("expected *vberrors.DiskNotFound, got %T: %v", err, err)
	}
}

func TestCompleteBackupRestoreTo(t *testing.T) {
	backupDir := t.TempDir()
	name := "20160815-171013_1_vm1"
	content := []byte("disk bytes")
	writeCompletedBackup(t, backupDir, name, content)

	cb, err := backup.LoadCompleteBackup(backupDir, name)
	if err != nil {
		t.Fatalf("LoadCompleteBackup: %v", err)
	}

	targetDir := t.TempDir()
	if err := cb.RestoreTo(targetDir, nil); err != nil {
		t.Fatalf("RestoreTo: %v", err)
	}

	if _, err := os.Stat(filepath.Join(targetDir, "vm1-vda.qcow2")); err != nil {
		t.Fatalf("expected disk restored under its original basename: %v", err)
	}
	xmlData, err := os.ReadFile(filepath.Join(targetDir, "vm1.xml"))
	if err != nil {
		t.Fatalf("expected domain xml written: %v", err)
	}
	if string(xmlData) != backedUpDomainXML {
		t.Fatalf("restored domain xml does not match stored xml")
	}
}

func TestCompleteBackupDeleteRemovesArtifactsAndDefinition(t *testing.T) {
	backupDir := t.TempDir()
	name := "20160815-171013_1_vm1"
	writeCompletedBackup(t, backupDir, name, []byte("x"))

	cb, err := backup.LoadCompleteBackup(backupDir, name)
	if err != nil {
		t.Fatalf("LoadCompleteBackup: %v", err)
	}
	if err := cb.Delete(nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := os.Stat(metadata.DefinitionPath(backupDir, name)); !os.IsNotExist(err) {
		t.Fatalf("expected definition removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(backupDir, name+"_vda.qcow2")); !os.IsNotExist(err) {
		t.Fatalf("expected artifact removed, stat err = %v", err)
	}
}

func TestCompleteBackupRestoreAndReplaceDiskOf(t *testing.T) {
	backupDir := t.TempDir()
	name := "20160815-171013_1_vm1"
	content := []byte("replacement bytes")
	writeCompletedBackup(t, backupDir, name, content)

	cb, err := backup.LoadCompleteBackup(backupDir, name)
	if err != nil {
		t.Fatalf("LoadCompleteBackup: %v", err)
	}

	targetDiskPath := filepath.Join(t.TempDir(), "vm2-vdb.raw")
	if err := os.WriteFile(targetDiskPath, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed target disk: %v", err)
	}
	targetDomainXML := fmt.Sprintf(`<domain type="kvm">
  <name>vm2</name>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="raw"/>
      <source file="%s"/>
      <target dev="vdb" bus="virtio"/>
    </disk>
  </devices>
</domain>`, targetDiskPath)

	target := &hypervisortest.FakeDomain{NameVal: "vm2", Active: true, DomainXML: targetDomainXML}
	if err := cb.RestoreAndReplaceDiskOf("vda", target, "vdb", nil); err == nil {
		t.Fatal("expected DomainRunning while target domain is active")
	} else if _, ok := err.(*vberrors.DomainRunning); !ok {
		t.Fatalf("expected *vberrors.DomainRunning, got %T: %v", err, err)
	}

	target.Active = false
	if err := cb.RestoreAndReplaceDiskOf("vda", target, "vdb", nil); err != nil {
		t.Fatalf("RestoreAndReplaceDiskOf: %v", err)
	}
	got, err := os.ReadFile(targetDiskPath)
	if err != nil {
		t.Fatalf("reading replaced disk: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("replaced disk content = %q, want %q", got, content)
	}
	if want := `type="qcow2"`; !contains(target.DomainXML, want) {
		t.Fatalf("expected target domain xml driver type patched to %q, got:\n%s", want, target.DomainXML)
	}
}

func TestCompleteBackupRestoreReplaceDomain(t *testing.T) {
	backupDir := t.TempDir()
	name := "20160815-171013_1_vm1"
	writeCompletedBackup(t, backupDir, name, []byte("x"))

	cb, err := backup.LoadCompleteBackup(backupDir, name)
	if err != nil {
		t.Fatalf("LoadCompleteBackup: %v", err)
	}

	conn := hypervisortest.NewFakeConnection()
	if err := cb.RestoreReplaceDomain(conn, nil); err != nil {
		t.Fatalf("RestoreReplaceDomain: %v", err)
	}
	dom, err := conn.LookupDomainByName("vm1")
	if err != nil {
		t.Fatalf("expected domain vm1 to be defined: %v", err)
	}
	xmlDesc, err := dom.XMLDesc()
	if err != nil {
		t.Fatalf("XMLDesc: %v", err)
	}
	if xmlDesc != backedUpDomainXML {
		t.Fatalf("defined domain xml does not match stored xml")
	}

	id := 42
	if err := cb.RestoreReplaceDomain(conn, &id); err != nil {
		t.Fatalf("RestoreReplaceDomain with id: %v", err)
	}
	dom, err = conn.LookupDomainByName("vm1")
	if err != nil {
		t.Fatalf("expected domain vm1 still defined: %v", err)
	}
	xmlDesc, err = dom.XMLDesc()
	if err != nil {
		t.Fatalf("XMLDesc: %v", err)
	}
	if !contains(xmlDesc, `id="42"`) {
		t.Fatalf("expected redefined xml to carry id=42, got:\n%s", xmlDesc)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
