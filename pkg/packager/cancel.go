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
	"io"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

// bufferSize bounds how much a single streaming copy moves between cancel
// checks, per spec §9's "cancel polled at least once per buffer" contract.
const bufferSize = 1 << 20 // 1 MiB

// CancelFlag is a shared, goroutine-safe cancellation signal threaded
// through every streaming packager operation. A single flag is typically
// shared by every disk in a backup so cancelling one aborts all of them.
type CancelFlag struct {
	flag atomic.Bool
}

// NewCancelFlag returns a flag in the not-cancelled state.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{}
}

// Cancel marks the flag cancelled. Safe to call more than once.
func (c *CancelFlag) Cancel() {
	if c == nil {
		return
	}
	c.flag.Store(true)
}

// Cancelled reports whether Cancel has been called. A nil flag is never
// cancelled, so callers may pass a nil *CancelFlag to mean "no cancellation
// possible".
func (c *CancelFlag) Cancelled() bool {
	return c != nil && c.flag.Load()
}

// copyWithCancel copies from src to dst in bufferSize chunks, checking
// cancel before every chunk. It returns vberrors.Cancelled as soon as a
// cancellation is observed, without writing the in-flight chunk.
func copyWithCancel(dst io.Writer, src io.Reader, cancel *CancelFlag) (int64, error) {
	buf := make([]byte, bufferSize)
	var total int64
	for {
		if cancel.Cancelled() {
			return total, &vberrors.Cancelled{}
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				return total, errors.Wrap(writeErr, "writing packager stream")
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, errors.Wrap(readErr, "reading packager stream")
		}
	}
}

// streamCopyFile copies srcPath into dst, removing dst's underlying file at
// dstPath if the copy is cancelled or fails partway through so no partial
// artifact survives (spec §9 "partially written destination MUST be
// removed").
func streamCopyFile(dstPath string, dst io.Writer, srcPath string, cancel *CancelFlag) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, errors.Wrapf(err, "opening %q for reading", srcPath)
	}
	defer src.Close()

	n, err := copyWithCancel(dst, src, cancel)
	if err != nil {
		if dstPath != "" {
			_ = os.Remove(dstPath)
		}
		return n, err
	}
	return n, nil
}
