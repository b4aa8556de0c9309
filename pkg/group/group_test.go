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

package group_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtbackup/virtbackup/pkg/backup"
	"github.com/virtbackup/virtbackup/pkg/group"
	"github.com/virtbackup/virtbackup/pkg/hypervisor/hypervisortest"
	"github.com/virtbackup/virtbackup/pkg/metadata"
	"github.com/virtbackup/virtbackup/pkg/packager"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

const groupFixtureDomainXML = `<domain type="kvm">
  <name>%s</name>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"/>
      <source file="%s"/>
      <target dev="vda" bus="virtio"/>
    </disk>
  </devices>
</domain>`

// trackingCommitter records whether two backups for the same domain were
// ever committing concurrently, which start_multithread (spec §4.6) must
// never allow.
type trackingCommitter struct {
	domain string
	mu     *sync.Mutex
	active map[string]int
	overlapSeen *bool
}

func (c *trackingCommitter) Commit(ctx context.Context, base, overlay string) error {
	c.mu.Lock()
	c.active[c.domain]++
	if c.active[c.domain] > 1 {
		*c.overlapSeen = true
	}
	c.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	c.active[c.domain]--
	c.mu.Unlock()
	return nil
}

func setupFakeDomain(fakeConn *hypervisortest.FakeConnection, root, name string) string {
	srcPath := filepath.Join(root, name+"-vda.qcow2")
	_ = os.WriteFile(srcPath, []byte("base image for "+name), 0o644)
	fakeConn.Domains[name] = &hypervisortest.FakeDomain{
		NameVal:   name,
		IDVal:     len(fakeConn.Domains) + 1,
		Active:    false,
		DomainXML: fmt.Sprintf(groupFixtureDomainXML, name, srcPath),
	}
	return srcPath
}

var _ = Describe("Group", func() {
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

	It("merges disks for a domain added twice via add_domain", func() {
		setupFakeDomain(fakeConn, root, "vm1")
		g := group.New("nightly", backupDir, backup.Options{PackagerKind: packager.KindDirectory}, nil)

		Expect(g.AddDomain(fakeConn, "vm1", []string{"vda"}, backup.Options{})).To(Succeed())
		Expect(g.AddDomain(fakeConn, "vm1", []string{"vdb"}, backup.Options{})).To(Succeed())

		children := g.Children()
		Expect(children).To(HaveLen(1))
		Expect(children[0].Disks()).To(Equal([]string{"vda", "vdb"}))
	})

	It("nests each child under backup_dir/<domain> unless already suffixed", func() {
		setupFakeDomain(fakeConn, root, "vm1")
		g := group.New("nightly", backupDir, backup.Options{PackagerKind: packager.KindDirectory}, nil)
		Expect(g.AddDomain(fakeConn, "vm1", nil, backup.Options{})).To(Succeed())

		Expect(g.Start(context.Background())).To(Succeed())

		children := g.Children()
		name := children[0].Name()
		_, err := os.Stat(filepath.Join(backupDir, "vm1", name+".json"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("propagates default params to children that didn't set their own", func() {
		setupFakeDomain(fakeConn, root, "vm1")
		g := group.New("nightly", backupDir, backup.Options{PackagerKind: packager.KindZstd}, nil)
		Expect(g.AddDomain(fakeConn, "vm1", nil, backup.Options{})).To(Succeed())

		g.PropagateDefaults()

		Expect(g.Start(context.Background())).To(Succeed())
		name := g.Children()[0].Name()
		def, err := metadata.LoadDefinition(metadata.DefinitionPath(filepath.Join(backupDir, "vm1"), name))
		Expect(err).NotTo(HaveOccurred())
		Expect(def.Packager.Type).To(Equal(string(packager.KindZstd)))
	})

	It("aggregates per-domain failures from start() without stopping other children", func() {
		setupFakeDomain(fakeConn, root, "vm1")
		fakeConn.Domains["vm2"] = &hypervisortest.FakeDomain{
			NameVal:     "vm2",
			IDVal:       2,
			SnapshotErr: fmt.Errorf("simulated snapshot failure"),
		}
		g := group.New("nightly", backupDir, backup.Options{PackagerKind: packager.KindDirectory}, nil)
		Expect(g.AddDomain(fakeConn, "vm1", nil, backup.Options{})).To(Succeed())
		Expect(g.AddDomain(fakeConn, "vm2", nil, backup.Options{})).To(Succeed())

		err := g.Start(context.Background())
		Expect(err).To(HaveOccurred())
		failure, ok := err.(*vberrors.BackupsFailureInGroup)
		Expect(ok).To(BeTrue())
		Expect(failure.Completed).To(ContainElement("vm1"))
		Expect(failure.Errors).To(HaveKey("vm2"))
	})

	It("never runs two backups for the same domain concurrently under start_multithread", func() {
		setupFakeDomain(fakeConn, root, "vm1")
		setupFakeDomain(fakeConn, root, "vm2")

		var (
			mu          sync.Mutex
			active      = map[string]int{}
			overlapSeen bool
		)

		g := group.New("nightly", backupDir, backup.Options{PackagerKind: packager.KindDirectory}, nil)

		// Two non-mergeable backups per domain (distinct packager options)
		// so each domain's worker must drain a queue of length 2.
		for _, domain := range []string{"vm1", "vm2"} {
			for _, threads := range []int{0, 1} {
				opts := backup.Options{
					PackagerKind: packager.KindDirectory,
					PackagerOpts: packager.Options{Threads: threads},
					Committer:    &trackingCommitter{domain: domain, mu: &mu, active: active, overlapSeen: &overlapSeen},
				}
				p, err := backup.New(fakeConn, domain, filepath.Join(backupDir, domain), nil, opts)
				Expect(err).NotTo(HaveOccurred())
				g.AddPending(p)
			}
		}

		Expect(g.Children()).To(HaveLen(4))
		err := g.StartMultithread(context.Background(), 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(overlapSeen).To(BeFalse())
	})
})
