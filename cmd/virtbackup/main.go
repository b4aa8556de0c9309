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

// Command virtbackup is the CLI surface of spec §6.3: backup, restore,
// clean and list subcommands over a config-file-defined set of backup
// groups.
package main

import (
	"fmt"
	"os"

	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "virtbackup:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a command error to spec §6.3's exit code policy: 0 ok
// (never reached here, main only calls this on a non-nil error), 1 for a
// configuration or I/O failure, 2 for a partial group failure.
func exitCodeFor(err error) int {
	if _, ok := err.(*vberrors.BackupsFailureInGroup); ok {
		return 2
	}
	return 1
}
