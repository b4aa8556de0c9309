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

// Equal reports whether two Options are identical in every field, which is
// the same result as comparing their canonical key-sorted JSON encodings.
// It is used by pending_backup's compatible_with (spec §4.4) to decide
// whether a running backup can absorb a newly requested disk instead of
// starting a second one.
func (o Options) Equal(other Options) bool {
	return o == other
}
