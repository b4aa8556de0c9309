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

import "github.com/virtbackup/virtbackup/pkg/packager"

// removeArtifacts applies the shareability-aware deletion policy shared by
// pending_backup.clean_aborted and complete_backup.delete (spec §4.4, §4.7):
// for a shareable packager only the named artifacts are removed, and the
// package itself is removed once no entries are left; a non-shareable
// packager is always removed wholesale.
func removeArtifacts(kind packager.Kind, dir, name string, opts packager.Options, artifacts []string, cancel *packager.CancelFlag) error {
	wp, err := packager.NewWritePackager(kind, dir, name, opts)
	if err != nil {
		return err
	}
	if err := wp.Open(); err != nil {
		return err
	}
	defer wp.Close()

	if !wp.IsShareable() {
		return wp.RemovePackage(cancel)
	}

	for _, a := range artifacts {
		if a == "" {
			continue
		}
		if err := wp.Remove(a); err != nil {
			return err
		}
	}

	remaining, err := wp.List()
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return wp.RemovePackage(cancel)
	}
	return nil
}
