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

package hypervisor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"libvirt.org/go/libvirt"
)

// LibvirtConnection adapts *libvirt.Connect to the Connection interface.
type LibvirtConnection struct {
	conn *libvirt.Connect

	mu        sync.Mutex
	callbacks map[string]BlockJobCallback // overlay path -> callback
	libvirtID map[string]int              // overlay path -> libvirt callback id
}

// Connect dials the libvirt daemon at uri (e.g. "qemu:///system").
func Connect(uri string) (*LibvirtConnection, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to libvirt at %q", uri)
	}
	if err := libvirt.EventRegisterDefaultImpl(); err != nil {
		return nil, errors.Wrap(err, "registering libvirt default event loop")
	}
	return &LibvirtConnection{
		conn:      conn,
		callbacks: map[string]BlockJobCallback{},
		libvirtID: map[string]int{},
	}, nil
}

func (c *LibvirtConnection) Close() error {
	_, err := c.conn.Close()
	return err
}

func (c *LibvirtConnection) LookupDomainByName(name string) (Domain, error) {
	dom, err := c.conn.LookupDomainByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up domain %q", name)
	}
	return &libvirtDomain{conn: c.conn, dom: dom}, nil
}

func (c *LibvirtConnection) LibVersion() (uint64, error) {
	v, err := c.conn.GetLibVersion()
	if err != nil {
		return 0, errors.Wrap(err, "getting libvirt version")
	}
	return uint64(v), nil
}

// ListDomainNames enumerates every domain the connection can see,
// running and stopped alike. It sits outside the core Connection
// interface (spec §6.1 deliberately only contracts for lookup-by-name):
// only the CLI's group assembly, matching config host patterns against
// the live domain inventory, needs to enumerate at all.
func (c *LibvirtConnection) ListDomainNames() ([]string, error) {
	doms, err := c.conn.ListAllDomains(0)
	if err != nil {
		return nil, errors.Wrap(err, "listing domains")
	}
	names := make([]string, 0, len(doms))
	for _, d := range doms {
		name, err := d.GetName()
		if err == nil {
			names = append(names, name)
		}
		d.Free()
	}
	return names, nil
}

func (c *LibvirtConnection) DefineXML(domainXML string) (Domain, error) {
	dom, err := c.conn.DomainDefineXML(domainXML)
	if err != nil {
		return nil, errors.Wrap(err, "defining domain xml")
	}
	return &libvirtDomain{conn: c.conn, dom: dom}, nil
}

// RegisterBlockJobCallback implements the single process-wide event
// multiplexer described in spec §4.3: one libvirt-level callback per
// overlay path, dispatched through a locked map keyed by overlay path so
// registration/deregistration is safe across concurrently running backups.
func (c *LibvirtConnection) RegisterBlockJobCallback(overlayPath string, cb BlockJobCallback) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.callbacks[overlayPath]; exists {
		return 0, errors.Errorf("a callback is already registered for overlay %q", overlayPath)
	}

	id, err := c.conn.DomainEventBlockJobRegister(nil, libvirt.DomainEventBlockJobCallback(
		func(_ *libvirt.Connect, _ *libvirt.Domain, ev *libvirt.DomainEventBlockJob) {
			c.dispatch(ev)
		},
	))
	if err != nil {
		return 0, errors.Wrap(err, "registering block job event callback")
	}

	c.callbacks[overlayPath] = cb
	c.libvirtID[overlayPath] = id
	return id, nil
}

func (c *LibvirtConnection) dispatch(ev *libvirt.DomainEventBlockJob) {
	c.mu.Lock()
	cb, ok := c.callbacks[ev.Disk]
	c.mu.Unlock()
	if !ok {
		// Unregistered path: the event is dropped here and is not logged.
		return
	}

	status := BlockJobFailed
	switch ev.Status {
	case libvirt.DOMAIN_BLOCK_JOB_READY:
		status = BlockJobReady
	case libvirt.DOMAIN_BLOCK_JOB_COMPLETED:
		status = BlockJobCompleted
	case libvirt.DOMAIN_BLOCK_JOB_CANCELED:
		status = BlockJobCanceled
	case libvirt.DOMAIN_BLOCK_JOB_FAILED:
		status = BlockJobFailed
	}
	cb(BlockJobEvent{OverlayPath: ev.Disk, Status: status})
}

func (c *LibvirtConnection) Deregister(id int) error {
	c.mu.Lock()
	for path, cbID := range c.libvirtID {
		if cbID == id {
			delete(c.callbacks, path)
			delete(c.libvirtID, path)
			break
		}
	}
	c.mu.Unlock()
	return c.conn.DomainEventDeregister(id)
}

// RunEventLoop runs libvirt's default event loop implementation on the
// calling goroutine until ctx is cancelled. Callers must run this on a
// single dedicated goroutine for the lifetime of the connection (spec §5).
func (c *LibvirtConnection) RunEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := libvirt.EventRunDefaultImpl(); err != nil {
			return errors.Wrap(err, "running libvirt event loop")
		}
	}
}

type libvirtDomain struct {
	conn *libvirt.Connect
	dom  *libvirt.Domain
}

func (d *libvirtDomain) Name() (string, error) { return d.dom.GetName() }

func (d *libvirtDomain) ID() (int, error) {
	id, err := d.dom.GetID()
	return int(id), err
}

func (d *libvirtDomain) IsActive() (bool, error) { return d.dom.IsActive() }

func (d *libvirtDomain) XMLDesc() (string, error) {
	return d.dom.GetXMLDesc(0)
}

func (d *libvirtDomain) DefineXML(domainXML string) error {
	newDom, err := d.conn.DomainDefineXML(domainXML)
	if err != nil {
		return errors.Wrap(err, "defining domain xml")
	}
	d.dom = newDom
	return nil
}

func (d *libvirtDomain) UpdateDeviceFlags(deviceXML string) error {
	return d.dom.UpdateDeviceFlags(deviceXML, libvirt.DOMAIN_DEVICE_MODIFY_CONFIG)
}

func (d *libvirtDomain) SnapshotCreateXML(snapshotXML string, flags SnapshotFlag) error {
	var libvirtFlags libvirt.DomainSnapshotCreateFlags
	if flags.Has(SnapshotDiskOnly) {
		libvirtFlags |= libvirt.DOMAIN_SNAPSHOT_CREATE_DISK_ONLY
	}
	if flags.Has(SnapshotAtomic) {
		libvirtFlags |= libvirt.DOMAIN_SNAPSHOT_CREATE_ATOMIC
	}
	if flags.Has(SnapshotNoMetadata) {
		libvirtFlags |= libvirt.DOMAIN_SNAPSHOT_CREATE_NO_METADATA
	}
	if flags.Has(SnapshotQuiesce) {
		libvirtFlags |= libvirt.DOMAIN_SNAPSHOT_CREATE_QUIESCE
	}
	_, err := d.dom.CreateSnapshotXML(snapshotXML, libvirtFlags)
	return err
}

func (d *libvirtDomain) BlockCommit(dev, base, top string, bandwidth uint64, flags BlockCommitFlag) error {
	var libvirtFlags libvirt.DomainBlockCommitFlags
	if flags&BlockCommitActive != 0 {
		libvirtFlags |= libvirt.DOMAIN_BLOCK_COMMIT_ACTIVE
	}
	if flags&BlockCommitShallow != 0 {
		libvirtFlags |= libvirt.DOMAIN_BLOCK_COMMIT_SHALLOW
	}
	return d.dom.BlockCommit(dev, base, top, uint32(bandwidth), libvirtFlags)
}

func (d *libvirtDomain) BlockJobAbortPivot(dev string) error {
	return d.dom.BlockJobAbort(dev, libvirt.DOMAIN_BLOCK_JOB_ABORT_PIVOT)
}
