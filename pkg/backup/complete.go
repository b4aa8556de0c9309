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

package backup

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/virtbackup/virtbackup/pkg/domainxml"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
	"github.com/virtbackup/virtbackup/pkg/metadata"
	"github.com/virtbackup/virtbackup/pkg/packager"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

// CompleteBackup is the read side of a successful backup (spec §4.5):
// restore its disks, splice one of them onto another domain, redefine the
// domain it came from, or delete it entirely.
type CompleteBackup struct {
	dir string
	def *metadata.Definition
}

// LoadCompleteBackup reads the Definition named name from dir, migrating it
// to the current schema if needed.
func LoadCompleteBackup(dir, name string) (*CompleteBackup, error) {
	def, err := metadata.LoadDefinition(metadata.DefinitionPath(dir, name))
	if err != nil {
		return nil, err
	}
	return &CompleteBackup{dir: dir, def: def}, nil
}

// NewCompleteBackup wraps an already-loaded Definition, e.g. one the
// catalog read while scanning.
func NewCompleteBackup(dir string, def *metadata.Definition) *CompleteBackup {
	return &CompleteBackup{dir: dir, def: def}
}

// Definition exposes the backup's metadata record.
func (c *CompleteBackup) Definition() *metadata.Definition { return c.def }

func (c *CompleteBackup) readPackager() (packager.ReadPackager, error) {
	kind := packager.Kind(c.def.Packager.Type)
	return packager.NewReadPackager(kind, c.dir, c.def.Name, c.def.Packager.Opts)
}

// RestoreDiskTo restores dev's artifact through a read packager. target is
// a file path, or (when it ends in a path separator) a directory the
// artifact's name is written into (spec §4.5 restore_disk_to).
func (c *CompleteBackup) RestoreDiskTo(dev, target string, cancel *packager.CancelFlag) (string, error) {
	entry, ok := c.def.Disks[dev]
	if !ok {
		return "", &vberrors.DiskNotFound{Dev: dev}
	}
	rp, err := c.readPackager()
	if err != nil {
		return "", err
	}
	if err := rp.Open(); err != nil {
		return "", err
	}
	defer rp.Close()
	return rp.Restore(entry.Artifact, target, cancel)
}

// RestoreTo writes the stored domain XML into targetDir alongside every
// disk, each restored under the basename its source path had at backup
// time (spec §4.5 restore_to).
func (c *CompleteBackup) RestoreTo(targetDir string, cancel *packager.CancelFlag) error {
	disks, err := domainxml.DisksOf(c.def.DomainXML)
	if err != nil {
		return err
	}

	rp, err := c.readPackager()
	if err != nil {
		return err
	}
	if err := rp.Open(); err != nil {
		return err
	}
	defer rp.Close()

	for dev, entry := range c.def.Disks {
		disk, ok := disks[dev]
		if !ok {
			return &vberrors.DiskNotFound{Dev: dev}
		}
		base := filepath.Base(disk.SourcePath)
		if _, err := rp.Restore(entry.Artifact, filepath.Join(targetDir, base), cancel); err != nil {
			return err
		}
	}

	xmlPath := filepath.Join(targetDir, c.def.DomainName+".xml")
	if err := os.WriteFile(xmlPath, []byte(c.def.DomainXML), 0o644); err != nil {
		return errors.Wrapf(err, "writing domain xml to %q", xmlPath)
	}
	return nil
}

// RestoreAndReplaceDiskOf restores dev's artifact over targetDev's current
// backing file on targetDomain and carries the stored driver type onto
// targetDomain's disk block. Fails with DomainRunning if targetDomain is
// active (spec §4.5 restore_and_replace_disk_of).
func (c *CompleteBackup) RestoreAndReplaceDiskOf(dev string, targetDomain hypervisor.Domain, targetDev string, cancel *packager.CancelFlag) error {
	active, err := targetDomain.IsActive()
	if err != nil {
		return errors.Wrap(err, "checking target domain active state")
	}
	if active {
		targetName, _ := targetDomain.Name()
		return &vberrors.DomainRunning{Domain: targetName}
	}

	entry, ok := c.def.Disks[dev]
	if !ok {
		return &vberrors.DiskNotFound{Dev: dev}
	}

	targetXML, err := targetDomain.XMLDesc()
	if err != nil {
		return errors.Wrap(err, "reading target domain xml")
	}
	targetDisks, err := domainxml.DisksOf(targetXML, targetDev)
	if err != nil {
		return err
	}
	targetPath := targetDisks[targetDev].SourcePath

	rp, err := c.readPackager()
	if err != nil {
		return err
	}
	if err := rp.Open(); err != nil {
		return err
	}
	defer rp.Close()
	if _, err := rp.Restore(entry.Artifact, targetPath, cancel); err != nil {
		return err
	}

	patchedXML, err := domainxml.PatchDiskDriverType(targetXML, targetDev, entry.Type)
	if err != nil {
		return err
	}
	return targetDomain.DefineXML(patchedXML)
}

// RestoreReplaceDomain redefines the domain the backup came from,
// optionally rewriting the XML's transient id attribute first (spec §4.5
// restore_replace_domain).
func (c *CompleteBackup) RestoreReplaceDomain(conn hypervisor.Connection, id *int) error {
	domainXML := c.def.DomainXML
	if id != nil {
		patched, err := domainxml.SetDomainID(domainXML, *id)
		if err != nil {
			return err
		}
		domainXML = patched
	}
	_, err := conn.DefineXML(domainXML)
	return err
}

// Delete removes the Definition file and the backup's artifacts, following
// the same shareability-aware policy as clean_aborted (spec §4.5 delete).
func (c *CompleteBackup) Delete(cancel *packager.CancelFlag) error {
	artifacts := make([]string, 0, len(c.def.Disks))
	for _, entry := range c.def.Disks {
		artifacts = append(artifacts, entry.Artifact)
	}
	kind := packager.Kind(c.def.Packager.Type)
	if err := removeArtifacts(kind, c.dir, c.def.Name, c.def.Packager.Opts, artifacts, cancel); err != nil {
		return err
	}
	path := metadata.DefinitionPath(c.dir, c.def.Name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing definition %q", path)
	}
	return nil
}
