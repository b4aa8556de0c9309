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

package snapshot_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtbackup/virtbackup/pkg/domainxml"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
	"github.com/virtbackup/virtbackup/pkg/hypervisor/hypervisortest"
	"github.com/virtbackup/virtbackup/pkg/snapshot"
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
	err   error
}

func (f *fakeCommitter) Commit(ctx context.Context, base, overlay string) error {
	f.calls = append(f.calls, [2]string{base, overlay})
	return f.err
}

var _ = Describe("Coordinator", func() {
	var (
		dir        string
		srcPath    string
		domainXML  string
		fakeConn   *hypervisortest.FakeConnection
		fakeDomain *hypervisortest.FakeDomain
		disks      map[string]domainxml.Disk
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		srcPath = filepath.Join(dir, "vda.qcow2")
		Expect(os.WriteFile(srcPath, []byte("base image"), 0o644)).To(Succeed())
		domainXML = sprintfDomain(srcPath)

		fakeConn = hypervisortest.NewFakeConnection()
		fakeDomain = &hypervisortest.FakeDomain{NameVal: "vm1", Active: true, DomainXML: domainXML}
		fakeConn.Domains["vm1"] = fakeDomain

		var err error
		disks, err = domainxml.DisksOf(domainXML, "vda")
		Expect(err).NotTo(HaveOccurred())
	})

	It("records an overlay path derived from the source and snapshot id", func() {
		c := snapshot.New(fakeConn, fakeDomain, "vm1", snapshot.Options{})
		entries, takenAt, err := c.Start(context.Background(), disks, []string{"vda"})
		Expect(err).NotTo(HaveOccurred())
		Expect(takenAt).To(BeTemporally("~", time.Now(), time.Second))
		Expect(entries).To(HaveKey("vda"))
		Expect(entries["vda"].OverlayPath).To(HavePrefix(srcPath[:len(srcPath)-len(filepath.Ext(srcPath))] + "."))
		Expect(fakeDomain.Snapshots).To(HaveLen(1))
		Expect(fakeDomain.Snapshots[0]).To(ContainSubstring(`snapshot="external"`))
		Expect(c.State()).To(Equal(snapshot.StateSnapshotted))
	})

	It("reconciles a running domain by waiting for BLOCK_JOB_READY then pivoting", func() {
		c := snapshot.New(fakeConn, fakeDomain, "vm1", snapshot.Options{})
		entries, _, err := c.Start(context.Background(), disks, []string{"vda"})
		Expect(err).NotTo(HaveOccurred())
		overlay := entries["vda"].OverlayPath
		Expect(os.WriteFile(overlay, []byte("overlay"), 0o644)).To(Succeed())

		// CleanForDisk re-reads the domain's current XML; point it at the
		// overlay so the "backing file differs" skip path isn't taken.
		fakeDomain.DomainXML = sprintfDomain(overlay)

		done := make(chan error, 1)
		go func() { done <- c.CleanForDisk(context.Background(), "vda") }()

		Eventually(func() bool {
			return fakeConn.Emit(overlay, hypervisor.BlockJobReady)
		}, time.Second, 5*time.Millisecond).Should(BeTrue())

		Eventually(done, time.Second).Should(Receive(BeNil()))
		Expect(fakeDomain.AbortedDisks).To(ContainElement("vda"))
		_, err = os.Stat(overlay)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("reconciles a stopped domain via the offline committer", func() {
		fakeDomain.Active = false
		committer := &fakeCommitter{}
		c := snapshot.New(fakeConn, fakeDomain, "vm1", snapshot.Options{Committer: committer})

		entries, _, err := c.Start(context.Background(), disks, []string{"vda"})
		Expect(err).NotTo(HaveOccurred())
		overlay := entries["vda"].OverlayPath
		Expect(os.WriteFile(overlay, []byte("overlay"), 0o644)).To(Succeed())
		fakeDomain.DomainXML = sprintfDomain(overlay)

		Expect(c.CleanForDisk(context.Background(), "vda")).To(Succeed())
		Expect(committer.calls).To(HaveLen(1))
		Expect(committer.calls[0][0]).To(Equal(srcPath))
		Expect(committer.calls[0][1]).To(Equal(overlay))
		_, err = os.Stat(overlay)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("skips reconciliation when the domain's current backing file no longer matches the recorded overlay", func() {
		c := snapshot.New(fakeConn, fakeDomain, "vm1", snapshot.Options{})
		_, _, err := c.Start(context.Background(), disks, []string{"vda"})
		Expect(err).NotTo(HaveOccurred())
		// fakeDomain.DomainXML still points at srcPath, not the overlay.
		Expect(c.CleanForDisk(context.Background(), "vda")).To(Succeed())
		Expect(fakeDomain.AbortedDisks).To(BeEmpty())
	})
})

func sprintfDomain(path string) string {
	return fmt.Sprintf(fixtureDomainXML, path)
}
