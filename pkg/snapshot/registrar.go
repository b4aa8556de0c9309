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
	"sync"

	"github.com/pkg/errors"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
)

// registrar is the scoped resource of spec §9's "cyclic graphs /
// registration" note: it owns this coordinator's slice of the hypervisor's
// process-wide block-job callback table, keyed by overlay path, and
// guarantees every registration it makes is deregistered on close even if
// callers forget to unregister disk-by-disk.
type registrar struct {
	conn hypervisor.Connection

	mu  sync.Mutex
	ids map[string]int // overlay path -> hypervisor callback id
}

func newRegistrar(conn hypervisor.Connection) *registrar {
	return &registrar{conn: conn, ids: map[string]int{}}
}

func (r *registrar) register(overlayPath string, cb hypervisor.BlockJobCallback) error {
	id, err := r.conn.RegisterBlockJobCallback(overlayPath, cb)
	if err != nil {
		return errors.Wrapf(err, "registering block job callback for %q", overlayPath)
	}
	r.mu.Lock()
	r.ids[overlayPath] = id
	r.mu.Unlock()
	return nil
}

func (r *registrar) deregister(overlayPath string) error {
	r.mu.Lock()
	id, ok := r.ids[overlayPath]
	if ok {
		delete(r.ids, overlayPath)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.conn.Deregister(id)
}

// closeAll deregisters every callback still outstanding, logging (rather
// than failing loudly on) individual deregistration errors so one stuck
// overlay doesn't stop the others from being released.
func (r *registrar) closeAll(onErr func(overlayPath string, err error)) {
	r.mu.Lock()
	paths := make([]string, 0, len(r.ids))
	for p := range r.ids {
		paths = append(paths, p)
	}
	r.mu.Unlock()

	for _, p := range paths {
		if err := r.deregister(p); err != nil && onErr != nil {
			onErr(p, err)
		}
	}
}
