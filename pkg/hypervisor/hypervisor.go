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

// Package hypervisor defines the contract spec §6.1 assumes of the
// hypervisor client library. The rest of the module depends on the
// Connection/Domain interfaces here, never on *libvirt.Connect directly, so
// the snapshot coordinator and pending-backup driver can be unit tested
// against the in-memory fake in hypervisortest without a libvirt daemon.
package hypervisor

import "context"

// SnapshotFlag mirrors the libvirt snapshot-create flags used by the
// coordinator (spec §4.3/§6.1).
type SnapshotFlag uint

const (
	SnapshotDiskOnly SnapshotFlag = 1 << iota
	SnapshotAtomic
	SnapshotNoMetadata
	SnapshotQuiesce
)

func (f SnapshotFlag) Has(flag SnapshotFlag) bool { return f&flag != 0 }

// BlockCommitFlag mirrors the libvirt blockCommit flags.
type BlockCommitFlag uint

const (
	BlockCommitActive BlockCommitFlag = 1 << iota
	BlockCommitShallow
)

// BlockJobStatus is the status reported on a BLOCK_JOB event.
type BlockJobStatus int

const (
	BlockJobCompleted BlockJobStatus = iota
	BlockJobFailed
	BlockJobCanceled
	BlockJobReady
)

// BlockJobEvent is delivered to the registrar for a given overlay path.
type BlockJobEvent struct {
	OverlayPath string
	Status      BlockJobStatus
}

// BlockJobCallback receives events for a single registered overlay path.
type BlockJobCallback func(BlockJobEvent)

// Domain is the subset of libvirt's domain API the backup pipeline needs.
type Domain interface {
	Name() (string, error)
	ID() (int, error)
	IsActive() (bool, error)
	XMLDesc() (string, error)
	DefineXML(domainXML string) error
	UpdateDeviceFlags(deviceXML string) error
	SnapshotCreateXML(snapshotXML string, flags SnapshotFlag) error
	BlockCommit(dev, base, top string, bandwidth uint64, flags BlockCommitFlag) error
	BlockJobAbortPivot(dev string) error
}

// Connection is the subset of libvirt's connection API the backup pipeline
// needs: domain lookup, version introspection for the
// updateDeviceFlags-vs-defineXML threshold (§4.3), and the single
// process-wide BLOCK_JOB event loop (§4.3/§5).
type Connection interface {
	LookupDomainByName(name string) (Domain, error)
	LibVersion() (uint64, error)

	// DefineXML (re)defines a domain from a full XML document at the
	// connection level, used by restore_replace_domain (§4.5) to recreate
	// a domain that may no longer exist under its original name.
	DefineXML(domainXML string) (Domain, error)

	// RegisterBlockJobCallback registers cb for events on the given overlay
	// path. The returned id is passed to Deregister. At most one callback
	// may be registered per overlay path at a time (spec §4.3/§8).
	RegisterBlockJobCallback(overlayPath string, cb BlockJobCallback) (int, error)
	Deregister(id int) error

	// RunEventLoop drives event delivery until ctx is done. The hypervisor
	// contract requires exactly one goroutine running this per process
	// (spec §5 "dedicated thread runs the hypervisor event loop").
	RunEventLoop(ctx context.Context) error
}

// UpdateDeviceFlagsThreshold is the libvirt version (per getLibVersion's
// encoding, major*1000000+minor*1000+release) at or above which
// UpdateDeviceFlags(AFFECT_CONFIG) should be used instead of DefineXML to
// rewrite a stopped VM's disk source (spec §4.3).
const UpdateDeviceFlagsThreshold = 3000000
