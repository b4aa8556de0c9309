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

// Package snapshot implements the per-VM live-backup state machine of
// spec §4.3: external disk-only snapshot creation followed by block-commit
// reconciliation of each disk's overlay back into its base image.
package snapshot

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/virtbackup/virtbackup/pkg/domainxml"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
	"github.com/virtbackup/virtbackup/pkg/logging"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

// State is a coordinator's position in the IDLE -> SNAPSHOTTED ->
// RECONCILING -> CLEANED machine of spec §4.3.
type State int

const (
	StateIdle State = iota
	StateSnapshotted
	StateReconciling
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSnapshotted:
		return "snapshotted"
	case StateReconciling:
		return "reconciling"
	case StateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// QuiescePolicy controls whether a guest filesystem freeze is attempted
// before the external snapshot, supplementing spec §4.3's single mention
// of "if a guest-quiesce was requested and fails, retries once without".
type QuiescePolicy int

const (
	// QuiesceOff never sets the QUIESCE flag.
	QuiesceOff QuiescePolicy = iota
	// QuiesceFallback attempts QUIESCE first and retries once without it
	// on failure (spec §4.3's documented behavior, and the policy
	// pkg/config picks when none is set; the zero value is QuiesceOff).
	QuiesceFallback
	// QuiesceRequired attempts QUIESCE and fails the backup if it cannot
	// be honored, rather than silently falling back to a crash-consistent
	// snapshot.
	QuiesceRequired
)

// Entry is one disk's record within an active snapshot (spec §3 "Snapshot
// Record").
type Entry struct {
	Src         string
	OverlayPath string
}

// Coordinator drives one backup's snapshot lifecycle. It is not safe for
// concurrent use by multiple goroutines (spec §4.4 "a single instance is
// single-threaded").
type Coordinator struct {
	conn      hypervisor.Connection
	committer ImageCommitter
	logger    *logging.Logger
	quiesce   QuiescePolicy
	timeout   time.Duration // 0 = wait indefinitely for BLOCK_JOB_READY

	domain     hypervisor.Domain
	domainName string

	mu       sync.Mutex
	state    State
	snapshot map[string]Entry
	takenAt  time.Time
	reg      *registrar
	waiters  map[string]chan hypervisor.BlockJobStatus
}

// New constructs a Coordinator bound to one domain. logger may be nil, in
// which case logging.Nop() is used.
func New(conn hypervisor.Connection, domain hypervisor.Domain, domainName string, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	committer := opts.Committer
	if committer == nil {
		committer = QemuImgCommitter{}
	}
	return &Coordinator{
		conn:       conn,
		committer:  committer,
		logger:     logger,
		quiesce:    opts.Quiesce,
		timeout:    opts.Timeout,
		domain:     domain,
		domainName: domainName,
		state:      StateIdle,
		waiters:    map[string]chan hypervisor.BlockJobStatus{},
	}
}

// Options configures a Coordinator.
type Options struct {
	Quiesce   QuiescePolicy
	Timeout   time.Duration
	Committer ImageCommitter
	Logger    *logging.Logger
}

// overlayPathFor derives an overlay path per spec §3:
// strip_extension(src) + "." + snapshot_id.
func overlayPathFor(src, snapshotID string) string {
	if idx := strings.LastIndex(src, "."); idx >= 0 && idx > strings.LastIndex(src, "/") {
		src = src[:idx]
	}
	return src + "." + snapshotID
}

// Start creates the external disk-only snapshot for trackedDisks and
// returns the resulting Snapshot Record. allFileDiskDevs must list every
// file-backed disk device on the domain (tracked or not) so the emitted
// XML can correctly mark untracked ones snapshot="no" (spec S2).
func (c *Coordinator) Start(ctx context.Context, trackedDisks map[string]domainxml.Disk, allFileDiskDevs []string) (map[string]Entry, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil, time.Time{}, errors.Errorf("snapshot coordinator for %q already started (state=%s)", c.domainName, c.state)
	}

	snapshotID := uuid.NewString()
	overlays := make(map[string]string, len(trackedDisks))
	entries := make(map[string]Entry, len(trackedDisks))
	for dev, disk := range trackedDisks {
		overlay := overlayPathFor(disk.SourcePath, snapshotID)
		overlays[dev] = overlay
		entries[dev] = Entry{Src: disk.SourcePath, OverlayPath: overlay}
	}

	xmlDoc, err := buildSnapshotXML(overlays, allFileDiskDevs)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "building snapshot xml")
	}

	baseFlags := hypervisor.SnapshotDiskOnly | hypervisor.SnapshotAtomic | hypervisor.SnapshotNoMetadata
	if err := c.createSnapshot(xmlDoc, baseFlags); err != nil {
		return nil, time.Time{}, err
	}

	c.snapshot = entries
	c.takenAt = time.Now()
	c.state = StateSnapshotted
	return entries, c.takenAt, nil
}

func (c *Coordinator) createSnapshot(xmlDoc string, baseFlags hypervisor.SnapshotFlag) error {
	if c.quiesce == QuiesceOff {
		return c.domain.SnapshotCreateXML(xmlDoc, baseFlags)
	}

	err := c.domain.SnapshotCreateXML(xmlDoc, baseFlags|hypervisor.SnapshotQuiesce)
	if err == nil {
		return nil
	}
	if c.quiesce == QuiesceRequired {
		return errors.Wrap(err, "quiesced snapshot failed and quiesce is required")
	}

	c.logger.Warn("guest quiesce failed, retrying without QUIESCE flag", "domain", c.domainName, "err", err)
	return c.domain.SnapshotCreateXML(xmlDoc, baseFlags)
}

// CleanForDisk reconciles one disk's overlay into its base image (spec
// §4.3 clean_for_disk). It is safe to call once per disk in the snapshot.
func (c *Coordinator) CleanForDisk(ctx context.Context, dev string) error {
	c.mu.Lock()
	if c.state != StateSnapshotted && c.state != StateReconciling {
		c.mu.Unlock()
		return &vberrors.SnapshotNotStarted{}
	}
	entry, ok := c.snapshot[dev]
	c.state = StateReconciling
	if c.reg == nil {
		c.reg = newRegistrar(c.conn)
	}
	c.mu.Unlock()

	if !ok {
		return &vberrors.DiskNotSnapshot{Dev: dev}
	}

	currentXML, err := c.domain.XMLDesc()
	if err != nil {
		return errors.Wrap(err, "reading current domain xml")
	}
	currentDisks, err := domainxml.DisksOf(currentXML, dev)
	if err != nil {
		c.logger.Warn("disk missing from current domain xml, skipping reconciliation", "domain", c.domainName, "dev", dev, "err", err)
		return nil
	}
	if currentDisks[dev].SourcePath != entry.OverlayPath {
		c.logger.Info("current backing file differs from recorded overlay, skipping commit+pivot", "domain", c.domainName, "dev", dev, "current", currentDisks[dev].SourcePath, "recorded", entry.OverlayPath)
		return nil
	}

	active, err := c.domain.IsActive()
	if err != nil {
		return errors.Wrap(err, "checking domain active state")
	}
	if active {
		return c.commitOnline(ctx, dev, entry)
	}
	return c.commitOffline(ctx, dev, entry)
}

func (c *Coordinator) commitOnline(ctx context.Context, dev string, entry Entry) error {
	waiter := make(chan hypervisor.BlockJobStatus, 1)
	c.mu.Lock()
	c.waiters[entry.OverlayPath] = waiter
	c.mu.Unlock()

	if err := c.reg.register(entry.OverlayPath, func(ev hypervisor.BlockJobEvent) {
		c.handleBlockJobEvent(dev, ev)
	}); err != nil {
		return err
	}

	if err := c.domain.BlockCommit(dev, entry.Src, entry.OverlayPath, 0, hypervisor.BlockCommitActive|hypervisor.BlockCommitShallow); err != nil {
		_ = c.reg.deregister(entry.OverlayPath)
		return errors.Wrapf(err, "starting block commit for %q", dev)
	}

	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case status := <-waiter:
		if status != hypervisor.BlockJobReady {
			return errors.Errorf("block commit for %q ended with status %d instead of READY", dev, status)
		}
		return nil
	case <-timeoutCh:
		return errors.Errorf("timed out waiting for block job ready on %q", dev)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleBlockJobEvent is the registrar callback for one overlay path. On
// READY it performs the pivot-abort + overlay cleanup the spec assigns to
// "the event handler" and signals the waiter; other statuses just signal.
func (c *Coordinator) handleBlockJobEvent(dev string, ev hypervisor.BlockJobEvent) {
	if ev.Status == hypervisor.BlockJobReady {
		if err := c.domain.BlockJobAbortPivot(dev); err != nil {
			c.logger.Error("pivot abort failed", "domain", c.domainName, "dev", dev, "err", err)
		} else if err := os.Remove(ev.OverlayPath); err != nil && !os.IsNotExist(err) {
			c.logger.Error("removing overlay after pivot failed", "overlay", ev.OverlayPath, "err", err)
		}
	}

	c.mu.Lock()
	waiter, ok := c.waiters[ev.OverlayPath]
	if ok {
		delete(c.waiters, ev.OverlayPath)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("block job event for unregistered overlay, dropped", "overlay", ev.OverlayPath)
		return
	}
	waiter <- ev.Status
}

func (c *Coordinator) commitOffline(ctx context.Context, dev string, entry Entry) error {
	if err := c.committer.Commit(ctx, entry.Src, entry.OverlayPath); err != nil {
		return errors.Wrapf(err, "offline commit for %q", dev)
	}

	newXML, err := c.patchDomainSource(dev, entry.Src)
	if err != nil {
		return err
	}

	libVersion, err := c.conn.LibVersion()
	if err != nil {
		return errors.Wrap(err, "getting hypervisor version")
	}
	if libVersion >= hypervisor.UpdateDeviceFlagsThreshold {
		if err := c.domain.UpdateDeviceFlags(newXML); err != nil {
			return errors.Wrapf(err, "updating device flags for %q", dev)
		}
	} else if err := c.domain.DefineXML(newXML); err != nil {
		return errors.Wrapf(err, "redefining domain after offline commit for %q", dev)
	}

	if err := os.Remove(entry.OverlayPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing overlay %q after offline commit", entry.OverlayPath)
	}
	return nil
}

func (c *Coordinator) patchDomainSource(dev, newSrc string) (string, error) {
	currentXML, err := c.domain.XMLDesc()
	if err != nil {
		return "", errors.Wrap(err, "reading current domain xml")
	}
	patched, err := domainxml.PatchDiskSource(currentXML, dev, newSrc)
	if err != nil {
		return "", errors.Wrapf(err, "patching disk source for %q", dev)
	}
	return patched, nil
}

// Clean reconciles every disk in the snapshot, collecting per-disk errors
// so a failure on one disk doesn't stop the others from being attempted
// (spec §4.3 "exceptions per disk are logged and re-raised after the
// loop"), then deregisters every outstanding callback.
func (c *Coordinator) Clean(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return &vberrors.SnapshotNotStarted{}
	}
	devs := make([]string, 0, len(c.snapshot))
	for dev := range c.snapshot {
		devs = append(devs, dev)
	}
	reg := c.reg
	c.mu.Unlock()

	var firstErr error
	for _, dev := range devs {
		if err := c.CleanForDisk(ctx, dev); err != nil {
			c.logger.Error("reconciliation failed for disk", "domain", c.domainName, "dev", dev, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if reg != nil {
		reg.closeAll(func(overlayPath string, err error) {
			c.logger.Error("deregistering block job callback failed", "overlay", overlayPath, "err", err)
		})
	}

	c.mu.Lock()
	c.state = StateCleaned
	c.mu.Unlock()
	return firstErr
}

// State reports the coordinator's current position in the lifecycle.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current snapshot record, or nil before
// Start has succeeded.
func (c *Coordinator) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return nil
	}
	out := make(map[string]Entry, len(c.snapshot))
	for k, v := range c.snapshot {
		out[k] = v
	}
	return out
}

// Resume reattaches a coordinator to an already-taken snapshot, used when
// recovering from pending-info after a crash (spec §4.4 clean_aborted:
// "reconstruct a coordinator from pending-info if one isn't attached").
func (c *Coordinator) Resume(snapshotRecord map[string]Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snapshotRecord
	c.state = StateSnapshotted
}
