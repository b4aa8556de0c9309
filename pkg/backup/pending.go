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

// Package backup implements the per-VM backup driver of spec §4.4 and the
// read side of a finished backup of spec §4.5: PendingBackup drives one
// domain through snapshot, streaming copy and reconciliation; CompleteBackup
// restores or deletes the artifacts a successful run produced.
package backup

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/virtbackup/virtbackup/pkg/domainxml"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
	"github.com/virtbackup/virtbackup/pkg/logging"
	"github.com/virtbackup/virtbackup/pkg/metadata"
	"github.com/virtbackup/virtbackup/pkg/packager"
	"github.com/virtbackup/virtbackup/pkg/snapshot"
)

// Options configures a PendingBackup's packager, coordinator and logging.
type Options struct {
	PackagerKind packager.Kind
	PackagerOpts packager.Options
	Quiesce      snapshot.QuiescePolicy
	Timeout      time.Duration
	Committer    snapshot.ImageCommitter
	Logger       *logging.Logger
}

// PendingBackup drives one domain's backup from snapshot through streamed
// copy to a final Definition (spec §4.4). A single instance is
// single-threaded; concurrency across domains is the backup group's
// concern (§4.6).
type PendingBackup struct {
	conn       hypervisor.Connection
	domain     hypervisor.Domain
	domainID   int
	domainName string
	backupDir  string
	opts       Options
	logger     *logging.Logger
	cancel     *packager.CancelFlag

	mu         sync.Mutex
	disks      map[string]struct{} // empty set means "every file-backed disk"
	started    bool
	name       string
	def        *metadata.Definition
	pend       *metadata.Pending
	coord      *snapshot.Coordinator
	pkg        packager.WritePackager
	cancelFunc context.CancelFunc
}

// New resolves domainName against conn and returns a driver ready to back
// it up. The domain is looked up eagerly so domain_id — spec's literal key
// for compatible_with — is known from construction on, before start() ever
// runs (see DESIGN.md's resolution of this point).
func New(conn hypervisor.Connection, domainName, backupDir string, disks []string, opts Options) (*PendingBackup, error) {
	dom, err := conn.LookupDomainByName(domainName)
	if err != nil {
		return nil, err
	}
	id, err := dom.ID()
	if err != nil {
		return nil, errors.Wrapf(err, "reading id of domain %q", domainName)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	trackedDisks := map[string]struct{}{}
	for _, d := range disks {
		trackedDisks[d] = struct{}{}
	}

	return &PendingBackup{
		conn:       conn,
		domain:     dom,
		domainID:   id,
		domainName: domainName,
		backupDir:  backupDir,
		opts:       opts,
		logger:     logger.With("domain", domainName),
		cancel:     packager.NewCancelFlag(),
		disks:      trackedDisks,
	}, nil
}

// ResumeFromPending reconstructs a driver around an already-loaded Pending
// record so clean_aborted can reconcile a backup abandoned by a previous
// process (spec §4.4 "reconstruct a coordinator from pending-info if one
// isn't attached", used by the catalog's clean_broken, §4.7).
func ResumeFromPending(conn hypervisor.Connection, backupDir string, pend *metadata.Pending, opts Options) (*PendingBackup, error) {
	dom, err := conn.LookupDomainByName(pend.DomainName)
	if err != nil {
		return nil, err
	}
	// The packager that actually wrote this backup's artifacts is recorded
	// in its own pending-info, not whatever the caller happens to pass —
	// clean_broken (§4.7) may not know it up front, and guessing wrong
	// would leave artifacts behind under the wrong packager's rules.
	opts.PackagerKind = packager.Kind(pend.Packager.Type)
	opts.PackagerOpts = pend.Packager.Opts
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &PendingBackup{
		conn:       conn,
		domain:     dom,
		domainID:   pend.DomainID,
		domainName: pend.DomainName,
		backupDir:  backupDir,
		opts:       opts,
		logger:     logger.With("domain", pend.DomainName),
		cancel:     packager.NewCancelFlag(),
		disks:      map[string]struct{}{},
		started:    true,
		name:       pend.Name,
		pend:       pend,
	}, nil
}

// AddDisks tracks additional devices to include in the backup. Calling it
// after Start has no effect on the in-flight run.
func (p *PendingBackup) AddDisks(devs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range devs {
		p.disks[d] = struct{}{}
	}
}

// CompatibleWith reports whether p and other could be merged into a single
// run: same domain, same backup_dir, same packager type and canonically
// identical packager options (spec §4.4 compatible_with).
func (p *PendingBackup) CompatibleWith(other *PendingBackup) bool {
	return p.domainID == other.domainID &&
		p.backupDir == other.backupDir &&
		p.opts.PackagerKind == other.opts.PackagerKind &&
		p.opts.PackagerOpts.Equal(other.opts.PackagerOpts)
}

// MergeWith unions other's tracked disks into p and adopts other's timeout
// if p does not already have one (spec §4.4 merge_with).
func (p *PendingBackup) MergeWith(other *PendingBackup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	for dev := range other.disks {
		p.disks[dev] = struct{}{}
	}
	if p.opts.Timeout == 0 {
		p.opts.Timeout = other.opts.Timeout
	}
}

// DomainID is the libvirt domain id resolved at construction.
func (p *PendingBackup) DomainID() int { return p.domainID }

// DomainName is the domain this backup targets, resolved at construction.
func (p *PendingBackup) DomainName() string { return p.domainName }

// ApplyDefaults fills any zero-valued option from defaults, leaving
// explicitly-set fields untouched (spec §4.6 propagate_defaults).
func (p *PendingBackup) ApplyDefaults(defaults Options) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.PackagerKind == "" {
		p.opts.PackagerKind = defaults.PackagerKind
	}
	if p.opts.PackagerOpts == (packager.Options{}) {
		p.opts.PackagerOpts = defaults.PackagerOpts
	}
	if p.opts.Quiesce == snapshot.QuiesceOff {
		p.opts.Quiesce = defaults.Quiesce
	}
	if p.opts.Timeout == 0 {
		p.opts.Timeout = defaults.Timeout
	}
	if p.opts.Committer == nil {
		p.opts.Committer = defaults.Committer
	}
}

// Name is the backup's computed name, valid once Start has taken the
// snapshot; empty before that.
func (p *PendingBackup) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Cancel flips the shared stop-flag polled by the packager and unblocks any
// in-flight hypervisor wait, honored at the next buffer boundary (spec §5).
func (p *PendingBackup) Cancel() {
	p.cancel.Cancel()
	p.mu.Lock()
	cancelFunc := p.cancelFunc
	p.mu.Unlock()
	if cancelFunc != nil {
		cancelFunc()
	}
}

func (p *PendingBackup) trackedDevNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.disks))
	for d := range p.disks {
		names = append(names, d)
	}
	return names
}

// Disks returns the device names currently tracked for this backup, sorted
// for deterministic comparisons in tests and logs.
func (p *PendingBackup) Disks() []string {
	names := p.trackedDevNames()
	sort.Strings(names)
	return names
}

// Start runs the happy-path sequence of spec §4.4: snapshot, open packager,
// stream each tracked disk through it and reconcile its overlay, then
// finalize the Definition. Any failure drives clean_aborted before the
// error is returned to the caller.
func (p *PendingBackup) Start(ctx context.Context) (err error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.Errorf("backup for domain %q is already running", p.domainName)
	}
	p.started = true
	if p.opts.PackagerKind == "" {
		p.opts.PackagerKind = packager.KindDirectory
	}
	runCtx, cancelFunc := context.WithCancel(ctx)
	p.cancelFunc = cancelFunc
	p.mu.Unlock()

	defer func() {
		if err != nil {
			if abortErr := p.CleanAborted(context.Background()); abortErr != nil {
				p.logger.Error("clean_aborted after failed start", "err", abortErr)
			}
		}
	}()

	if err = os.MkdirAll(p.backupDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating backup directory %q", p.backupDir)
	}

	def := &metadata.Definition{
		Version:    metadata.CurrentVersion,
		DomainID:   p.domainID,
		DomainName: p.domainName,
		Packager:   metadata.PackagerRef{Type: string(p.opts.PackagerKind), Opts: p.opts.PackagerOpts},
		Disks:      map[string]metadata.DiskEntry{},
	}

	domainXML, err := p.domain.XMLDesc()
	if err != nil {
		return errors.Wrap(err, "reading domain xml")
	}
	def.DomainXML = domainXML

	allFileDisks, err := domainxml.DisksOf(domainXML)
	if err != nil {
		return err
	}
	trackedNames := p.trackedDevNames()
	if len(trackedNames) == 0 {
		for dev := range allFileDisks {
			trackedNames = append(trackedNames, dev)
		}
	}
	trackedDisks, err := domainxml.DisksOf(domainXML, trackedNames...)
	if err != nil {
		return err
	}
	allFileDiskDevs := make([]string, 0, len(allFileDisks))
	for dev := range allFileDisks {
		allFileDiskDevs = append(allFileDiskDevs, dev)
	}

	coord := snapshot.New(p.conn, p.domain, p.domainName, snapshot.Options{
		Quiesce:   p.opts.Quiesce,
		Timeout:   p.opts.Timeout,
		Committer: p.opts.Committer,
		Logger:    p.logger,
	})

	entries, takenAt, err := coord.Start(runCtx, trackedDisks, allFileDiskDevs)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.coord = coord
	p.mu.Unlock()

	def.Date = takenAt.Unix()
	name := metadata.NameOf(takenAt, p.domainID, p.domainName)
	def.Name = name
	p.mu.Lock()
	p.name = name
	p.def = def
	p.mu.Unlock()

	pend := &metadata.Pending{
		Version:    metadata.CurrentVersion,
		Name:       name,
		DomainID:   p.domainID,
		DomainName: p.domainName,
		DomainXML:  domainXML,
		Date:       def.Date,
		Disks:      map[string]metadata.DiskProgress{},
		Packager:   def.Packager,
	}
	p.mu.Lock()
	p.pend = pend
	p.mu.Unlock()

	if err = metadata.SavePending(metadata.PendingPath(p.backupDir, name), pend); err != nil {
		return err
	}
	if err = metadata.SaveDefinition(metadata.DefinitionPath(p.backupDir, name), def); err != nil {
		return err
	}

	wp, err := packager.NewWritePackager(p.opts.PackagerKind, p.backupDir, name, p.opts.PackagerOpts)
	if err != nil {
		return err
	}
	if err = wp.Open(); err != nil {
		return err
	}
	p.mu.Lock()
	p.pkg = wp
	p.mu.Unlock()

	devs := make([]string, 0, len(trackedDisks))
	for dev := range trackedDisks {
		devs = append(devs, dev)
	}
	sort.Strings(devs)

	for _, dev := range devs {
		disk := trackedDisks[dev]
		format := disk.Format
		if format == "" {
			format = "img"
		}
		artifactName := metadata.ArtifactName(name, dev) + "." + format

		pend.Disks[dev] = metadata.DiskProgress{
			Src:      disk.SourcePath,
			Snapshot: entries[dev].OverlayPath,
			Target:   artifactName,
			Type:     format,
		}
		if err = metadata.SavePending(metadata.PendingPath(p.backupDir, name), pend); err != nil {
			return err
		}

		if _, err = wp.Add(entries[dev].OverlayPath, artifactName, p.cancel); err != nil {
			return err
		}
		if err = coord.CleanForDisk(runCtx, dev); err != nil {
			return err
		}

		def.Disks[dev] = metadata.DiskEntry{Artifact: artifactName, Type: format}
	}

	if err = wp.Close(); err != nil {
		return err
	}
	p.mu.Lock()
	p.pkg = nil
	p.mu.Unlock()

	if err = metadata.SaveDefinition(metadata.DefinitionPath(p.backupDir, name), def); err != nil {
		return err
	}
	if err = metadata.DeletePending(metadata.PendingPath(p.backupDir, name)); err != nil {
		return err
	}
	return nil
}

// CleanAborted unwinds a backup that failed or was cancelled partway
// through (spec §4.4): it reconciles whatever disks were snapshotted,
// removes this backup's artifacts (or the whole package, for non-shareable
// variants), and deletes pending-info. Missing files at any step are
// tolerated.
func (p *PendingBackup) CleanAborted(ctx context.Context) error {
	p.mu.Lock()
	coord := p.coord
	pend := p.pend
	name := p.name
	oldPkg := p.pkg
	p.pkg = nil
	p.mu.Unlock()
	if oldPkg != nil {
		// Best-effort: the abandoned handle is about to be superseded by a
		// fresh one in removeArtifacts below, or the whole package is about
		// to be deleted outright.
		_ = oldPkg.Close()
	}

	if coord == nil && pend != nil {
		coord = snapshot.New(p.conn, p.domain, p.domainName, snapshot.Options{
			Quiesce:   p.opts.Quiesce,
			Timeout:   p.opts.Timeout,
			Committer: p.opts.Committer,
			Logger:    p.logger,
		})
		record := make(map[string]snapshot.Entry, len(pend.Disks))
		for dev, dp := range pend.Disks {
			record[dev] = snapshot.Entry{Src: dp.Src, OverlayPath: dp.Snapshot}
		}
		coord.Resume(record)
	}

	var firstErr error
	if coord != nil {
		if err := coord.Clean(ctx); err != nil {
			firstErr = err
		}
	}

	if name != "" && pend != nil {
		artifacts := make([]string, 0, len(pend.Disks))
		for _, dp := range pend.Disks {
			artifacts = append(artifacts, dp.Target)
		}
		if err := removeArtifacts(p.opts.PackagerKind, p.backupDir, name, p.opts.PackagerOpts, artifacts, nil); err != nil {
			p.logger.Warn("removing artifacts of aborted backup failed", "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if name != "" {
		if err := metadata.DeletePending(metadata.PendingPath(p.backupDir, name)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
		// The provisional Definition written at the start of start() is
		// incomplete (no disks) and must not survive as if it were a
		// completed backup once pending-info is gone (spec §8's "a
		// definition file exists iff the backup completed" invariant).
		if err := os.Remove(metadata.DefinitionPath(p.backupDir, name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "removing provisional definition for %q", name)
			}
		}
	}

	return firstErr
}
