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

package main

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/virtbackup/virtbackup/pkg/backup"
	"github.com/virtbackup/virtbackup/pkg/catalog"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
	"github.com/virtbackup/virtbackup/pkg/logging"
)

var (
	cleanBrokenOnly bool
	cleanNoBroken   bool
	cleanDryRun     bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean [groups...]",
	Short: "Resume/discard broken backups and apply retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanBrokenOnly && cleanNoBroken {
			return errors.New("--broken-only and --no-broken are mutually exclusive")
		}

		logger := logging.New()
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		groups, err := selectGroups(cfg, args)
		if err != nil {
			return err
		}

		var conn hypervisor.Connection
		if !cleanNoBroken {
			c, err := hypervisor.Connect(cfg.URI)
			if err != nil {
				return errors.Wrap(err, "connecting to hypervisor")
			}
			defer c.Close()
			conn = c
		}

		names := make([]string, 0, len(groups))
		for name := range groups {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			gc := groups[name]
			cat := catalog.New(gc.Target, logger)

			if !cleanNoBroken {
				if err := cat.CleanBroken(cmd.Context(), conn, backup.Options{
					PackagerKind: packagerKindOf(gc),
					PackagerOpts: gc.PackagerOpts,
					Logger:       logger,
				}); err != nil {
					return errors.Wrapf(err, "cleaning broken backups in group %q", name)
				}
			}

			if cleanBrokenOnly {
				continue
			}

			completed, _, err := cat.Scan()
			if err != nil {
				return errors.Wrapf(err, "scanning group %q", name)
			}
			policy := gc.Policy()
			for domain, backups := range completed {
				if cleanDryRun {
					_, remove := catalog.ApplyRetention(backups, policy)
					for _, b := range remove {
						fmt.Printf("%s/%s: would delete %s (date=%d)\n", name, domain, b.Definition().Name, b.Definition().Date)
					}
					continue
				}
				if err := cat.ApplyRetentionTo(backups, policy, nil); err != nil {
					return errors.Wrapf(err, "applying retention to %s/%s", name, domain)
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolVar(&cleanBrokenOnly, "broken-only", false, "only resume/discard broken backups, skip retention")
	cleanCmd.Flags().BoolVar(&cleanNoBroken, "no-broken", false, "skip broken-backup cleanup, only apply retention")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "list what retention would delete without deleting it")
}
