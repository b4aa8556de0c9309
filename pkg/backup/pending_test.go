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
	"context"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtbackup/virtbackup/pkg/backup"
	"github.com/virtbackup/virtbackup/pkg/hypervisor/hypervisortest"
	"github.com/virtbackup/virtbackup/pkg/metadata"
	"github.com/virtbackup/virtbackup/pkg/packager"
)

const fixtureDomainXML = `<domain type="kvm">
  <name>vm1</name>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"/>
      <source file="%s"/>
      <target dev="vda" bus="virtio"/>
    </disk>
  </devices>
</domain>`

type fakeCommitter struct {
	calls [][2]string
}

func (f *fakeCommitter) Commit(ctx context.Context, base, overlay string) error {
	f.calls = append(f.calls, [2]string{base, overlay})
	return nil
}

var _ = Describe("PendingBackup", func() {
	var (
		backupDir  string
		srcPath    string
		srcContent []byte
		fakeConn   *hypervisortest.FakeConnection
		fakeDomain *hypervisortest.FakeDomain
		committer  *fakeCommitter
	)

	BeforeEach(func() {
		root := GinkgoT().TempDir()
		backupDir = filepath.Join(root, "vm1")
		srcPath = filepath.Join(root, "vda.qcow2")
		srcContent = []byte("a perfectly good base image")
		Expect(os.WriteFile(srcPath, srcContent, 0o644)).To(Succeed())

		fakeConn = hypervisortest.NewFakeConnection()
		fakeDomain = &hypervisortest.FakeDomain{
			NameVal:   "vm1",
			IDVal:     7,
			Active:    false,
			DomainXML: fmt.Sprintf(fixtureDomainXML, srcPath),
		}
		fakeConn.Domains["vm1"] = fakeDomain
		committer = &fakeCommitter{}
	})

	It("runs start() to completion for a stopped domain, leaving a definition and no pending-info", func() {
		p, err := backup.New(fakeConn, "vm1", backupDir, nil, backup.Options{
			PackagerKind: packager.KindDirectory,
			Committer:    committer,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.DomainID()).To(Equal(7))

		Expect(p.Start(context.Background())).To(Succeed())
		Expect(committer.calls).To(HaveLen(1))

		name := p.Name()
		Expect(name).NotTo(BeEmpty())

		def, err := metadata.LoadDefinition(metadata.DefinitionPath(backupDir, name))
		Expect(err).NotTo(HaveOccurred())
		Expect(def.Disks).To(HaveKey("vda"))
		Expect(def.DomainID).To(Equal(7))

		artifact := def.Disks["vda"].Artifact
		data, err := os.ReadFile(filepath.Join(backupDir, artifact))
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal(srcContent))

		_, err = os.Stat(metadata.PendingPath(backupDir, name))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("unwinds via clean_aborted when cancelled before any disk is copied", func() {
		p, err := backup.New(fakeConn, "vm1", backupDir, nil, backup.Options{
			PackagerKind: packager.KindDirectory,
			Committer:    committer,
		})
		Expect(err).NotTo(HaveOccurred())

		p.Cancel()
		err = p.Start(context.Background())
		Expect(err).To(HaveOccurred())

		name := p.Name()
		Expect(name).NotTo(BeEmpty())

		_, err = os.Stat(metadata.PendingPath(backupDir, name))
		Expect(os.IsNotExist(err)).To(BeTrue())
		_, err = os.Stat(metadata.DefinitionPath(backupDir, name))
		Expect(os.IsNotExist(err)).To(BeTrue())

		// The directory packager shares backupDir with sibling backups of
		// this domain, so clean_aborted leaves the directory itself in
		// place and only strips the artifact it wrote.
		leftover, err := os.ReadDir(backupDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(leftover).To(BeEmpty())
	})

	It("reports incompatible when backup_dir differs and compatible otherwise", func() {
		other := filepath.Join(filepath.Dir(backupDir), "vm1-other")
		a, err := backup.New(fakeConn, "vm1", backupDir, nil, backup.Options{PackagerKind: packager.KindDirectory})
		Expect(err).NotTo(HaveOccurred())
		b, err := backup.New(fakeConn, "vm1", backupDir, []string{"vdb"}, backup.Options{PackagerKind: packager.KindDirectory})
		Expect(err).NotTo(HaveOccurred())
		c, err := backup.New(fakeConn, "vm1", other, nil, backup.Options{PackagerKind: packager.KindDirectory})
		Expect(err).NotTo(HaveOccurred())

		Expect(a.CompatibleWith(b)).To(BeTrue())
		Expect(a.CompatibleWith(c)).To(BeFalse())

		a.MergeWith(b)
		Expect(a.Disks()).To(ContainElement("vdb"))
	})
})
