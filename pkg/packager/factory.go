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
	"path/filepath"

	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

// archiveExt returns the file extension a tar archive of these options
// would carry, mirroring the naming the teacher's compression config used
// before packager.opts replaced it (spec §4.5 S3).
func archiveExt(opts Options) string {
	switch opts.Compression {
	case CompressionGz:
		return ".tar.gz"
	case CompressionBz2:
		return ".tar.bz2"
	case CompressionXz:
		return ".tar.xz"
	default:
		return ".tar"
	}
}

// NewWritePackager constructs the write-capable packager for kind, rooted
// under dir and named after name (used as the tar file stem or the zstd
// artifact prefix).
func NewWritePackager(kind Kind, dir, name string, opts Options) (WritePackager, error) {
	switch kind {
	case KindDirectory, "":
		return NewDirectoryPackager(dir, opts)
	case KindTar:
		return NewTarWritePackager(filepath.Join(dir, name+archiveExt(opts)), opts), nil
	case KindZstd:
		return NewZstdPackager(dir, name, opts)
	default:
		return nil, &vberrors.UnsupportedPackager{Name: string(kind), Reason: "unknown packager kind"}
	}
}

// NewReadPackager constructs the read-capable packager for kind.
func NewReadPackager(kind Kind, dir, name string, opts Options) (ReadPackager, error) {
	switch kind {
	case KindDirectory, "":
		return NewDirectoryPackager(dir, opts)
	case KindTar:
		return NewTarReadPackager(filepath.Join(dir, name+archiveExt(opts)), opts), nil
	case KindZstd:
		return NewZstdPackager(dir, name, opts)
	default:
		return nil, &vberrors.UnsupportedPackager{Name: string(kind), Reason: "unknown packager kind"}
	}
}
