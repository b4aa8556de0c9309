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

package catalog_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtbackup/virtbackup/pkg/backup"
	"github.com/virtbackup/virtbackup/pkg/catalog"
	"github.com/virtbackup/virtbackup/pkg/hypervisor/hypervisortest"
	"github.com/virtbackup/virtbackup/pkg/metadata"
	"github.com/virtbackup/virtbackup/pkg/packager"
)

const catalogFixtureDomainXML = `<domain type="kvm">
  <name>%s</name>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"/>
      <source file="%s"/>
      <target dev="vda" bus="virtio"/>
    </disk>
  </devices>
</domain>`

type stubCommitter struct{}

func (stubCommitter) Commit(ctx context.Context, base, overlay string) error { return nil }

func runCompletedBackup(fakeConn *hypervisortest.FakeConnection, root, backupDir, domain string) *backup.PendingBackup {
	srcPath := filepath.Join(root, domain+"-vda.qcow2")
	_ = os.WriteFile(srcPath, []byte("base image for "+domain), 0o644)
	fakeConn.Domains[domain] = &hypervisortest.FakeDomain{
		NameVal:   domain,
		IDVal:     len(fakeConn.Domains) + 1,
		DomainXML: fmt.Sprintf(catalogFixtureDomainXML, domain, srcPath),
	}
	p, err := backup.New(fakeConn, domain, backupDir, nil, backup.Options{
		PackagerKind: packager.KindDirectory,
		Committer:    stubCommitter{},
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(p.Start(context.Background())).To(Succeed())
	return p
}

var _ = Describe("Catalog", func() {
	var (
		root      string
		backupDir string
		fakeConn  *hypervisortest.FakeConnection
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		backupDir = filepath.Join(root, "group")
		fakeConn = hypervisortest.NewFakeConnection()
	})

	It("groups scanned definitions by domain_name and skips unparsable files", func() {
		runCompletedBackup(fakeConn, root, filepath.Join(backupDir, "vm1"), "vm1")
		runCompletedBackup(fakeConn, root, filepath.Join(backupDir, "vm2"), "vm2")

		garbageDir := filepath.Join(backupDir, "vm3")
		Expect(os.MkdirAll(garbageDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(garbageDir, "broken.json"), []byte("{not json"), 0o644)).To(Succeed())

		cat := catalog.New(backupDir, nil)
		completed, broken, err := cat.Scan()
		Expect(err).NotTo(HaveOccurred())
		Expect(completed).To(HaveKey("vm1"))
		Expect(completed).To(HaveKey("vm2"))
		Expect(completed["vm1"]).To(HaveLen(1))
		Expect(completed).NotTo(HaveKey("vm3"))
		Expect(broken).To(BeEmpty())
	})

	It("filters scanned domains through a host-pattern matcher", func() {
		runCompletedBackup(fakeConn, root, filepath.Join(backupDir, "vm1"), "vm1")
		runCompletedBackup(fakeConn, root, filepath.Join(backupDir, "vm2"), "vm2")

		cat := catalog.New(backupDir, nil)
		filtered, err := cat.ScanFiltered([]string{"vm1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(filtered).To(HaveKey("vm1"))
		Expect(filtered).NotTo(HaveKey("vm2"))
	})

	It("resumes and cleans every pending-info file found during clean_broken", func() {
		domainDir := filepath.Join(backupDir, "vm1")
		Expect(os.MkdirAll(domainDir, 0o755)).To(Succeed())

		srcPath := filepath.Join(root, "vm1-vda.qcow2")
		Expect(os.WriteFile(srcPath, []byte("base image"), 0o644)).To(Succeed())
		fakeConn.Domains["vm1"] = &hypervisortest.FakeDomain{
			NameVal:   "vm1",
			IDVal:     1,
			DomainXML: fmt.Sprintf(catalogFixtureDomainXML, "vm1", srcPath),
		}

		name := "20200101-000000_1_vm1"
		pend := &metadata.Pending{
			Version:    metadata.CurrentVersion,
			Name:       name,
			DomainID:   1,
			DomainName: "vm1",
			DomainXML:  fmt.Sprintf(catalogFixtureDomainXML, "vm1", srcPath),
			Disks:      map[string]metadata.DiskProgress{},
			Packager:   metadata.PackagerRef{Type: string(packager.KindDirectory)},
		}
		Expect(metadata.SavePending(metadata.PendingPath(domainDir, name), pend)).To(Succeed())
		def := &metadata.Definition{Version: metadata.CurrentVersion, Name: name, DomainID: 1, DomainName: "vm1", Disks: map[string]metadata.DiskEntry{}}
		Expect(metadata.SaveDefinition(metadata.DefinitionPath(domainDir, name), def)).To(Succeed())

		cat := catalog.New(backupDir, nil)
		_, broken, err := cat.Scan()
		Expect(err).NotTo(HaveOccurred())
		Expect(broken).To(HaveKey("vm1"))

		Expect(cat.CleanBroken(context.Background(), fakeConn, backup.Options{PackagerKind: packager.KindDirectory})).To(Succeed())

		_, err = os.Stat(metadata.PendingPath(domainDir, name))
		Expect(os.IsNotExist(err)).To(BeTrue())
		_, err = os.Stat(metadata.DefinitionPath(domainDir, name))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("deletes backups past retention via ApplyRetentionTo", func() {
		p1 := runCompletedBackup(fakeConn, root, filepath.Join(backupDir, "vm1"), "vm1")
		_ = p1

		cat := catalog.New(backupDir, nil)
		completed, _, err := cat.Scan()
		Expect(err).NotTo(HaveOccurred())
		backups := completed["vm1"]
		Expect(backups).To(HaveLen(1))

		// A zero-valued policy keeps nothing from any period, so the single
		// backup present must be deleted.
		Expect(cat.ApplyRetentionTo(backups, catalog.Policy{}, nil)).To(Succeed())

		completedAfter, _, err := cat.Scan()
		Expect(err).NotTo(HaveOccurred())
		Expect(completedAfter["vm1"]).To(BeEmpty())
	})
})
