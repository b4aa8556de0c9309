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

package snapshot

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// ImageCommitter performs the offline reconciliation of §4.3 clean_for_disk
// step (b): committing an overlay into its base image when the VM backing
// it is not running. It is an interface so tests can stub out the external
// qemu-img dependency.
type ImageCommitter interface {
	Commit(ctx context.Context, base, overlay string) error
}

// QemuImgCommitter shells out to "qemu-img commit -b <base> <overlay>".
type QemuImgCommitter struct {
	// Binary defaults to "qemu-img" if empty.
	Binary string
}

func (c QemuImgCommitter) Commit(ctx context.Context, base, overlay string) error {
	binary := c.Binary
	if binary == "" {
		binary = "qemu-img"
	}
	cmd := exec.CommandContext(ctx, binary, "commit", "-b", base, overlay)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "qemu-img commit -b %s %s: %s", base, overlay, stderr.String())
	}
	return nil
}
