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

// Package packager implements spec §4.2: scoped, cancellable, streaming
// artifact containers in three variants (plain directory, single archive,
// per-file compressed store). Packagers are tagged variants behind one
// interface rather than a type hierarchy, per spec §9's polymorphism note.
package packager

import (
	"github.com/pkg/errors"
)

// Kind identifies a packager variant.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindTar       Kind = "tar"
	KindZstd      Kind = "zstd"
)

// Compression identifies a codec applied to stored artifacts. Which values
// are meaningful depends on the Kind: the directory variant only accepts
// CompressionNone, tar accepts all four, zstd always compresses (its
// "compression" option is therefore ignored, each artifact is always a
// zstd stream).
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGz   Compression = "gz"
	CompressionBz2  Compression = "bz2"
	CompressionXz   Compression = "xz"
)

// Options configures a packager. Which fields apply depends on Kind and
// Compression (spec §3 "Packager Archive"):
//   - CompressionLvl maps to gzip's 1-9 level for Compression=gz, to
//     dsnet/compress/bzip2's 1-9 level for Compression=bz2, and is ignored
//     for Compression=xz (ulikunitz/xz's streaming writer has no preset
//     knob); the zstd variant maps it onto one of zstd's encoder speeds
//     (see encoderLevel in zstd.go).
//   - Threads >1 switches the gz codec from stdlib compress/gzip to
//     klauspost/pgzip's parallel implementation.
type Options struct {
	Compression    Compression `json:"compression,omitempty"`
	CompressionLvl int         `json:"compression_lvl,omitempty"`
	Threads        int         `json:"threads,omitempty"`
}

// CanonicalJSON-sorted comparison is implemented in options_compare.go to
// support pending_backup's compatible_with (spec §4.4).

// Packager is the common scoped-resource surface every variant implements.
// Open must be paired with Close on every exit path (spec §9 "scoped
// packagers"); operations outside that scope fail with PackagerNotOpened.
type Packager interface {
	Open() error
	Close() error
	List() ([]string, error)
	IsShareable() bool
}

// WritePackager is the write-capability surface (spec §4.2 "Write").
type WritePackager interface {
	Packager
	Add(srcPath, name string, cancel *CancelFlag) (string, error)
	Remove(name string) error
	RemovePackage(cancel *CancelFlag) error
}

// ReadPackager is the read-capability surface (spec §4.2 "Read").
type ReadPackager interface {
	Packager
	Restore(name, target string, cancel *CancelFlag) (string, error)
}

// errNotRemovable is returned by Remove on non-shareable variants (tar).
var errNotRemovable = errors.New("packager does not support removing individual artifacts")
