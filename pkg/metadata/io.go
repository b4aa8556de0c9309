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

package metadata

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// DefinitionPath and PendingPath compute the on-disk file names of §6.2.
func DefinitionPath(dir, name string) string { return dir + "/" + name + ".json" }
func PendingPath(dir, name string) string    { return dir + "/" + name + ".json.pending" }

// LoadDefinition reads and migrates a definition file.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading definition %q", path)
	}
	rec, err := Migrate(raw)
	if err != nil {
		return nil, err
	}
	migrated, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding migrated definition")
	}
	var def Definition
	if err := json.Unmarshal(migrated, &def); err != nil {
		return nil, errors.Wrapf(err, "decoding migrated definition %q", path)
	}
	return &def, nil
}

// LoadPending reads and migrates a pending-info file. A missing file is
// tolerated per §5 ("readers tolerate absence") by returning (nil, nil).
func LoadPending(path string) (*Pending, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading pending info %q", path)
	}
	rec, err := Migrate(raw)
	if err != nil {
		return nil, err
	}
	migrated, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding migrated pending info")
	}
	var pending Pending
	if err := json.Unmarshal(migrated, &pending); err != nil {
		return nil, errors.Wrapf(err, "decoding migrated pending info %q", path)
	}
	return &pending, nil
}

// SaveDefinition writes def to path as pretty-printed UTF-8 JSON (§6.2
// "indent 4"), atomically via a temp-file rename so a reader never observes
// a half-written file.
func SaveDefinition(path string, def *Definition) error {
	return saveJSON(path, def)
}

// SavePending writes pending to path the same way. Per §5, each state
// change rewrites the whole file rather than appending.
func SavePending(path string, pending *Pending) error {
	return saveJSON(path, pending)
}

func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encoding metadata record")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing temp metadata file %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming %q to %q", tmp, path)
	}
	return nil
}

// DeletePending removes a pending-info file, tolerating its absence.
func DeletePending(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing pending info %q", path)
	}
	return nil
}
