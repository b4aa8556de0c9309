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

package packager

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

// DirectoryPackager stores each artifact as a plain file under path, with no
// compression. It is shareable: multiple backups may coexist in the same
// directory, each owning a disjoint set of file names.
type DirectoryPackager struct {
	scope
	path string
}

// NewDirectoryPackager returns a packager rooted at path. opts is accepted
// for interface symmetry with the other variants but only CompressionNone
// is meaningful; a non-none value is rejected at construction.
func NewDirectoryPackager(path string, opts Options) (*DirectoryPackager, error) {
	if opts.Compression != "" && opts.Compression != CompressionNone {
		return nil, &vberrors.UnsupportedPackager{Name: string(KindDirectory), Reason: "directory packager does not support compression, use tar"}
	}
	return &DirectoryPackager{path: path}, nil
}

func (p *DirectoryPackager) Open() error {
	if err := p.markOpen(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.path, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory packager root %q", p.path)
	}
	return nil
}

func (p *DirectoryPackager) Close() error {
	return p.markClosed()
}

func (p *DirectoryPackager) IsShareable() bool { return true }

func (p *DirectoryPackager) List() ([]string, error) {
	if err := p.requireOpen(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.path)
	if err != nil {
		return nil, errors.Wrapf(err, "listing directory packager root %q", p.path)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Add streams srcPath into name under the packager root, returning name
// itself as the artifact reference.
func (p *DirectoryPackager) Add(srcPath, name string, cancel *CancelFlag) (string, error) {
	if err := p.requireOpen(); err != nil {
		return "", err
	}
	dstPath := filepath.Join(p.path, name)
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", errors.Wrapf(err, "creating artifact %q", dstPath)
	}
	defer dst.Close()

	if _, err := streamCopyFile(dstPath, dst, srcPath, cancel); err != nil {
		return "", err
	}
	return name, nil
}

func (p *DirectoryPackager) Remove(name string) error {
	if err := p.requireOpen(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(p.path, name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing artifact %q", name)
	}
	return nil
}

// RemovePackage removes the whole directory. Shareable callers should
// prefer Remove per-artifact and only call this once the directory is
// confirmed empty of other backups' entries (spec §4.2 retention policy).
func (p *DirectoryPackager) RemovePackage(cancel *CancelFlag) error {
	if err := p.requireOpen(); err != nil {
		return err
	}
	if cancel.Cancelled() {
		return &vberrors.Cancelled{}
	}
	if err := os.RemoveAll(p.path); err != nil {
		return errors.Wrapf(err, "removing directory packager root %q", p.path)
	}
	return nil
}

// Restore streams name back out to target, which may be a file path or,
// when it ends in a path separator, a directory that name is written into.
func (p *DirectoryPackager) Restore(name, target string, cancel *CancelFlag) (string, error) {
	if err := p.requireOpen(); err != nil {
		return "", err
	}
	srcPath := filepath.Join(p.path, name)
	dstPath := target
	if len(target) > 0 && os.IsPathSeparator(target[len(target)-1]) {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return "", errors.Wrapf(err, "creating restore target directory %q", target)
		}
		dstPath = filepath.Join(target, name)
	}
	if _, err := os.Stat(dstPath); err == nil {
		return "", &vberrors.ImageExists{Path: dstPath}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &vberrors.ImageNotFound{Name: name, Where: p.path}
		}
		return "", errors.Wrapf(err, "opening artifact %q", srcPath)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return "", errors.Wrapf(err, "creating restore target %q", dstPath)
	}
	defer dst.Close()

	if _, err := copyWithCancel(dst, src, cancel); err != nil {
		_ = os.Remove(dstPath)
		return "", err
	}
	return dstPath, nil
}
